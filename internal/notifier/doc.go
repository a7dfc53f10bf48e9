// Package notifier is the async delivery pipeline in front of channel senders.
//
// Deliver enqueues a Delivery; workers drain the queue under a token-bucket
// rate limit and retry failed sends with exponential backoff. Identical
// deliveries inside the dedup window are suppressed, optionally across
// restarts through the state store.
//
// Each channel (push, email, sms, in_app, voice) maps to one Sender. A
// delivery for a channel without a sender falls back to the in_app sender.
package notifier
