// Package build collects the small ambient conveniences every other
// package in this module leans on: Critical/Severe for reporting invariant
// violations, ComposeErrors/ExtendErr for building up error
// messages without losing context, a Release/DEBUG switch, and a couple of
// testing helpers. Adapted from Sia's build package.
package build
