package main

// Output format constants.
const (
	jsonFormat = "json"
	yamlFormat = "yaml"
	textFormat = "text"
)

// configEnv names the environment variable holding the config path.
const configEnv = "GESTALT_CONFIG"
