// Package core implements the value types shared by every layer of the
// ORB runtime.
//
// This package provides Identity, Endpoint and Reference, the closed
// error-kind taxonomy used for failure classification, and the implicit
// invocation context that is merged into every outgoing request.
package core
