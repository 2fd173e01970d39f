// Package enginetest provides compliance test suites for modelrun implementations.
//
// CLI backend compliance tests live in the clitest sub-package.
// Root-level Runtime compliance is planned for a future release.
//
// See enginetest/clitest for usage examples.
package enginetest
