// Package errors provides the structured error type shared by every authgate
// component. Errors carry a machine-readable [Code] whose category decides
// how the HTTP and gRPC boundaries report them.
//
// # Categories
//
//   - VAL: invalid configuration or input (400)
//   - AUTH: the caller could not be authenticated (401)
//   - AUTHZ: the caller is authenticated but not trusted or allowed (403)
//   - NF: a looked-up item does not exist (404)
//   - INT: unexpected internal failure (500)
//   - UNAVAIL: an external collaborator failed (503)
//   - TIMEOUT: an operation exceeded its deadline (504)
//
// # Usage
//
// The package is conventionally imported as sserr to avoid shadowing the
// standard library:
//
//	import sserr "github.com/StricklySoft/authgate/pkg/errors"
//
//	err := sserr.Wrap(cause, sserr.CodeKeyFetchFailed, "jwks fetch failed")
//	if sserr.HasCode(err, sserr.CodeKeyFetchFailed) {
//	    // ...
//	}
package errors
