// Copyright (c) 2018, Postgres Professional

package utils

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// SetFlagsFromEnv parses all registered flags in the given flagset, and if
// they are not already set it attempts to set their values from environment
// variables. Environment variables take the name of the flag but are
// UPPERCASE, have the given prefix, and any dashes are replaced by
// underscores - for example: some-flag => PREFIX_SOME_FLAG
func SetFlagsFromEnv(fs *pflag.FlagSet, prefix string) error {
	var err error
	alreadySet := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) {
		alreadySet[f.Name] = true
	})
	fs.VisitAll(func(f *pflag.Flag) {
		if alreadySet[f.Name] {
			return
		}
		key := EnvName(prefix, f.Name)
		val := os.Getenv(key)
		if val == "" {
			return
		}
		if serr := fs.Set(f.Name, val); serr != nil {
			err = fmt.Errorf("invalid value %q for %s: %v", val, key, serr)
		}
	})
	return err
}

func EnvName(prefix, flagName string) string {
	return prefix + "_" + strings.ToUpper(strings.Replace(flagName, "-", "_", -1))
}
