// Package webhook delivers signed status webhooks.
//
// Every device status change is posted to the device's status webhook URL
// as JSON. When the device has a status webhook secret the body is signed
// with HMAC-SHA256 and the hex digest sent in X-Webhook-Signature, so a
// receiver can check it with Verify. Failed attempts are retried with
// doubling delays up to webhooks.max_attempts, then dropped.
package webhook
