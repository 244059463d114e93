/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package httpclient provides round trippers for outgoing HTTP requests:
// client side rate limiting with the sliding window limiter and retries of requests
// rejected by the rate limit of the server.
package httpclient
