package bootstrap

import "context"

// DNSProvider manages the tenant subdomain records. Configure and Remove
// must both be idempotent: the engine retries them and the saga replays
// Remove regardless of how far Configure got.
type DNSProvider interface {
	Configure(ctx context.Context, subdomain, organizationID string) error
	Remove(ctx context.Context, subdomain string) error
}

// Mailer delivers invitation emails.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}
