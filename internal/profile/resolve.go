package profile

import "github.com/matheus3301/chatsync/internal/config"

const DefaultName = "main"

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. config.toml default_profile
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(GlobalConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}

// Load returns the profile's config with defaults applied. The local
// backend's database path defaults to the profile's data.db.
func Load(name string) (*config.Profile, error) {
	p, err := config.LoadProfile(ConfigPath(name))
	if err != nil {
		return nil, err
	}
	if p.Local.DBPath == "" {
		p.Local.DBPath = DBPath(name)
	}
	return p, nil
}
