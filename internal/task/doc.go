// Package task defines the contract every task kind implements, the argument
// bag passed to it, and the registry that maps kind names to implementations
// together with their admission and timeout defaults.
package task
