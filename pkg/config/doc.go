// Package config loads process settings from environment variables.
//
// Variables may also come from dotenv files, which never override values
// already present in the environment:
//
//	cfg, err := config.Load()          // ./.env when present
//	cfg, err := config.Load("prod.env")
//
// Settings the commands need but cannot default, such as ETCD_HOST or the
// certbot host details, are checked where they are used and reported as
// *types.ConfigurationError.
package config
