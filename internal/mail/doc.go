// Package mail delivers single messages.
//
// A Transport takes a fully rendered Message plus the Connection it should be
// sent over and returns the provider's message id. Connection parameters are
// supplied per call so one process can send through several accounts.
//
// Implementations
//
// SMTPTransport dials an SMTP server per delivery (github.com/wneessen/go-mail).
// MailgunTransport posts to the Mailgun HTTP API. Router picks one of them by
// Connection.Provider.
//
// Rate limiting
//
// Every transport shares a Limits registry: one token bucket per connection
// key (provider, host, port, user). A zero RatePerSec means unlimited.
//
// Errors
//
// Failures are returned as *DeliveryError whose Reason is the provider's error
// text, unmodified.
package mail
