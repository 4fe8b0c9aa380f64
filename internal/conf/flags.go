package conf

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// viperKeyAnnotation tags a flag with the settings key it overrides.
const viperKeyAnnotation = "stallwatch/viper-key"

// BindFlag marks flag name of fs as overriding the settings key. The binding
// takes effect when BindFlags runs for the command being executed, so two
// commands may each declare a flag for the same key.
func BindFlag(fs *pflag.FlagSet, name, key string) {
	// SetAnnotation only fails for unknown flags
	if err := fs.SetAnnotation(name, viperKeyAnnotation, []string{key}); err != nil {
		panic(err)
	}
}

// BindFlags binds every flag of fs marked with BindFlag to viper. Call it
// before Load. A flag only wins over the config file when it was set.
func BindFlags(fs *pflag.FlagSet) error {
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[viperKeyAnnotation]
		if len(keys) == 0 || bindErr != nil {
			return
		}
		bindErr = viper.BindPFlag(keys[0], f)
	})
	return bindErr
}
