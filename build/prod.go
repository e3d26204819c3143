//go:build !dev
// +build !dev

package build

// Deployment specifies a production deployment.
const Deployment = Production
