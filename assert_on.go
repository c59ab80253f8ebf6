//go:build pbddebug

package pbd

const assertionsEnabled = true
