// Package proxy implements the outbound chat completion proxy.
//
// A Proxy owns two ordered interceptor pipelines, the upstream llm.Client, a
// Retrier and a Recorder. SendMessage moves each call through these states:
//
//	received -> request-intercepted -> (cache-hit -> completed)
//	                                 | (forwarding -> retrying* -> response-intercepted -> completed)
//	                                 | failed
//
// Request interceptors run once, before the retry loop; only the upstream call is
// retried. An interceptor registered with Optional() may fail without failing the
// call. A ShortCircuiter such as Cache answers with an explicit Lookup result; a
// hit skips the remaining request interceptors, the upstream call, the retries and
// the response interceptors.
//
// Every failure is returned as *Error with a Kind and the request id of the call.
//
// Usage Example
//
//	p, err := proxy.New(client, proxy.Config{
//	    DefaultModel: "claude-sonnet-4-20250514",
//	    Retry:        proxy.DefaultRetryConfig(),
//	    Prices:       proxy.PriceTable{"claude-sonnet-4": {Input: 3, Output: 15}},
//	}, logger)
//
//	_ = p.UseCache(proxy.NewCache(proxy.CacheConfig{TTL: 5 * time.Minute}, logger))
//
//	resp, err := p.SendMessage(ctx, proxy.Request{
//	    Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "Hello!")},
//	})
package proxy
