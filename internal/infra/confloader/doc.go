// Package confloader loads configuration with koanf.
//
// Sources, later ones overriding earlier ones:
//
//  1. Defaults already present in the target struct
//  2. A YAML configuration file
//  3. Environment variables
//  4. A map of overrides, typically built from command-line flags
//
// Environment variables use a double underscore between levels, so that
// LOGICALSNAP_BUILDER__INITIAL_XMIN_HORIZON sets builder.initial_xmin_horizon.
//
// A Watcher reports changes of the configuration file so that settings
// such as the log level can be reloaded.
package confloader
