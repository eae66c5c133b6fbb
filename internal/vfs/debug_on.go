//go:build vfsdebug
// +build vfsdebug

package vfs

const debugBuild = true
