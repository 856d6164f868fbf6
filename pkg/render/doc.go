// Package render turns a resolved load balancer configuration into proxy
// configuration text.
//
// A Renderer is built per invocation from a template source and executed
// with a Context; there is no package level template state. Templates get
// the sprig function library plus helpers for certificate paths, ACL
// conditions and backend names. The default HAProxy template is embedded.
package render
