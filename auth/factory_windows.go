//go:build windows

package auth

// newPlatformKerberosProvider uses native SSPI on Windows, falling back to
// the pure Go provider only when an explicit krb5 environment is configured.
func newPlatformKerberosProvider(cfg Config) (SecurityProvider, error) {
	if cfg.Realm != "" || cfg.KeytabPath != "" || cfg.CCachePath != "" {
		kc := KerberosConfig{
			Realm:        cfg.Realm,
			Krb5ConfPath: cfg.Krb5ConfPath,
			KeytabPath:   cfg.KeytabPath,
			CCachePath:   cfg.CCachePath,
		}
		if cfg.Credentials.Username != "" {
			creds := cfg.Credentials
			kc.Credentials = &creds
		}
		return NewKerberosProvider(kc, cfg.TargetSPN())
	}
	return newPlatformNegotiateProvider(cfg)
}

// newPlatformNegotiateProvider uses Windows SSPI, which handles the
// Kerberos-vs-NTLM selection natively and supports SSO.
func newPlatformNegotiateProvider(cfg Config) (SecurityProvider, error) {
	return NewSSPIProvider(SSPIConfig{
		UseDefaultCreds: cfg.UseDefaultCreds,
		Username:        cfg.Credentials.Username,
		Password:        cfg.Credentials.Password,
		Domain:          cfg.Credentials.Domain,
	}, cfg.TargetSPN())
}
