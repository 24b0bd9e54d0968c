// Package config provides configuration loading, merging, and path management for forge.
//
// This package handles the complex configuration system that supports multiple sources
// and formats, with a hierarchical loading strategy that ensures proper precedence
// and compatibility with legacy configuration layouts.
//
// # Configuration Loading
//
// The Load function reads configuration from these sources, in order, each
// later source overriding the earlier ones:
//
//  1. Global config: forge.json, then forge.jsonc, in the XDG config
//     directory (~/.config/forge/)
//  2. Project config: .forge/forge.json, then .forge/forge.jsonc, in the
//     directory passed to Load
//  3. Environment variables
//
// Missing files are skipped, and so are files that fail to parse; Load
// itself always returns a nil error. The ~/.forge directory, parent
// directories of the one passed to Load, and FORGE_CONFIG /
// FORGE_CONFIG_CONTENT are not read.
//
// # Supported Formats
//
// The package supports both JSON and JSONC (JSON with Comments) formats:
//   - forge.json - Standard JSON configuration
//   - forge.jsonc - JSON with comments, processed using tidwall/jsonc
//
// # Variable Interpolation
//
// Values are used exactly as written: placeholders such as {env:NAME},
// ${NAME} or {file:path} are not expanded.
//
// # Configuration Merging
//
// When multiple configuration sources are found, they are merged using a deep merge
// strategy that:
//   - Overwrites scalar values (strings, booleans, numbers)
//   - Merges maps/objects by combining keys
//   - Appends to arrays/slices
//   - Preserves the last-loaded value for conflicts
//
// # Path Management
//
// The package provides XDG Base Directory Specification compliant path management
// through the Paths type:
//   - Data: ~/.local/share/forge (XDG_DATA_HOME)
//   - Config: ~/.config/forge (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/forge (XDG_CACHE_HOME)
//   - State: ~/.local/state/forge (XDG_STATE_HOME)
//
// On Windows, these paths are adapted to use APPDATA as appropriate.
//
// # Environment Variable Overrides
//
// These environment variables override the loaded configuration:
//   - FORGE_MODEL - Override the default model
//   - FORGE_SMALL_MODEL - Override the small model
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY, AWS_ACCESS_KEY_ID -
//     API key of the anthropic, openai, google and bedrock provider
//     entries, used only where the entry's top-level apiKey is empty
//
// No other environment variables are read.
//
// # Legacy Compatibility
//
// Provider entries accept the legacy nested options object (apiKey,
// baseURL, ...) alongside the top-level apiKey and baseURL fields.
//
// # Usage Example
//
//	// Load configuration from the current directory
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Get standard paths
//	paths := config.GetPaths()
//	err = paths.EnsurePaths() // Create directories if they don't exist
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Save configuration
//	err = config.Save(cfg, config.GlobalConfigPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Project Structure Discovery
//
// The loader does not walk the directory tree: only the .forge directory
// inside the directory passed to Load is read.
package config