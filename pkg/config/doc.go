// Package config loads warden configuration from WARDEN_* environment
// variables, optionally seeded from a .env file.
//
//	cfg, err := config.Load()        // reads ./.env when present
//	cfg, err := config.Load("prod.env")
//
// Required: WARDEN_POSTGRES_URL and WARDEN_JWT_SECRET, plus WARDEN_REDIS_URL
// when WARDEN_CACHE_BACKEND=redis. Every other key has a default; see the
// struct tags on Config for the full list.
package config
