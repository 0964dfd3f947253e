// Package httptoolkit composes HTTP client middleware into a single
// request pipeline around a transport.
//
// Middleware comes in four roles, and one value may implement several:
//
//   - RequestObserver sees the outgoing request and cannot change it
//   - RequestTransformer returns a modified copy of the request
//   - ResponseTransformer returns a modified response
//   - Wrapper surrounds the rest of the pipeline and may call it zero or
//     more times (retry, cache, circuit breaker, rate limiting, tracing)
//
// The pipeline is composed once, when the Client is built:
//
//	wrappers (last declared outermost)
//	  -> observers (declaration order)
//	  -> request transformers (declaration order)
//	  -> transport
//	  -> response transformers (reverse declaration order)
//
// Typical usage:
//
//	client := httptoolkit.New(
//	    httptoolkit.WithMiddleware(
//	        httptoolkit.MustBaseURL("https://api.example.com/v1/"),
//	        httptoolkit.BearerToken(token),
//	        httptoolkit.NewRetry(
//	            httptoolkit.RetryMaxRetries(3),
//	            httptoolkit.RetryWhenResponse(httptoolkit.RetryOnServerErrors()),
//	        ),
//	    ),
//	)
//	resp, err := client.Get(ctx, "users/42")
//
// Retried attempts never reuse a consumed request: every attempt after the
// first sends a fresh copy rebuilt from the original, so bodies must be
// replayable (http.NewRequest sets GetBody for in-memory readers). A request
// whose body cannot be replayed fails with ErrUnclonableBody when a retry is
// due.
//
// Clients can also be built declaratively with LoadConfig and
// NewFromConfig.
package httptoolkit
