package config

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log: every credential
// is masked and shared slices and maps are detached from the original.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	for _, secret := range []*string{
		&out.SCM.AuthKey,
		&out.Postgres.DSN,
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Exchange.ApiKey,
		&out.Exchange.ApiSecret,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
	} {
		redact(secret)
	}

	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Currencies != nil {
		out.Currencies = make(map[string]CurrencyConfig, len(cfg.Currencies))
		for code, cur := range cfg.Currencies {
			cur.ValidAddressVersions = append([]int(nil), cur.ValidAddressVersions...)
			redact(&cur.Node.Password)
			redact(&cur.Node.PrivateKey)
			redact(&cur.Node.KeyPassword)
			out.Currencies[code] = cur
		}
	}

	return out
}

// redact masks a non-empty string in place.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
