//go:build dev
// +build dev

package build

// Deployment specifies a development deployment.
const Deployment = Development
