// Package request holds per-request middleware: request ID propagation and
// the timeout watchdog that races a handler against a fixed deadline.
//
// WithTimeout decides each request exactly once. The handler's response is
// sent only if it finished strictly before the deadline; otherwise the client
// gets the timeout status and the handler's context is cancelled.
//
//	handler := request.WithRequestID(
//		request.WithTimeout(request.TimeoutConfig{Timeout: time.Second})(
//			hello.NewHandler(2 * time.Second),
//		),
//	)
package request
