//go:build !windows

package auth

// newPlatformKerberosProvider builds the pure Go krb5 provider on
// non-Windows platforms.
func newPlatformKerberosProvider(cfg Config) (SecurityProvider, error) {
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

// newPlatformNegotiateProvider picks the mechanism for Negotiate on
// non-Windows platforms: Kerberos when a realm or krb5 environment is
// configured, NTLM otherwise.
func newPlatformNegotiateProvider(cfg Config) (SecurityProvider, error) {
	if cfg.Realm != "" || cfg.KeytabPath != "" || cfg.CCachePath != "" {
		return newPlatformKerberosProvider(cfg)
	}
	return NewNTLMProvider(cfg.Credentials), nil
}
