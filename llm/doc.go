// Package llm provides the provider-neutral types shared by the proxy and its upstream client.
//
// # Core Concepts
//
//  1. Messages: The Message type represents a role-tagged conversation message made of
//     content blocks.
//
//  2. Client Interface: The Client interface provides Synchronous() for non-streaming calls.
//     The relay talks to exactly one upstream, implemented in the anthropic subpackage.
//
//  3. Errors: The Error type carries the upstream HTTP status code so callers can classify
//     failures without knowing the provider SDK's error types.
//
// Usage Example
//
//	client, err := anthropic.NewAnthropicClient(anthropic.Config{APIKey: key}, logger)
//
//	req := &llm.Request{
//	    Model: "claude-sonnet-4-20250514",
//	    Messages: []llm.Message{
//	        llm.NewTextMessage(llm.RoleUser, "Hello!"),
//	    },
//	    MaxTokens: 1024,
//	}
//
//	resp, err := client.Synchronous(ctx, req)
package llm
