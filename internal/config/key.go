// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix GP_)
//  3. Config file (config.yaml in . or /etc/kernel-provisioner/)
//  4. Compiled defaults
package config
