package config

// redacted replaces every credential in a logged config.
const redacted = "***"

// credentials lists the fields of c that must never reach a log line.
func (c *Config) credentials() []*string {
	return []*string{
		&c.Treasury.PrivateKey,
		&c.Treasury.Passphrase,
		&c.Secrets.MasterPassphrase,
		&c.Database.DSN,
		&c.Database.Password,
		&c.Redis.Password,
		&c.S3.AccessKey,
		&c.S3.SecretKey,
		&c.Server.IdentitySecret,
		&c.Notify.TelegramToken,
		&c.Notify.DiscordWebhookURL,
	}
}

// RedactedConfig returns a copy of cfg that is safe to log. Slices are
// copied so the caller cannot mutate the live config through it.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	for _, s := range out.credentials() {
		if *s != "" {
			*s = redacted
		}
	}
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	return out
}
