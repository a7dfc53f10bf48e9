// Package channels holds the notifier.Sender implementations: Telegram push,
// SMTP email, the in-app inbox and a structured-log fallback for channels
// without a real backend (sms, voice).
package channels
