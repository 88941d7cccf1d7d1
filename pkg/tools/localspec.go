package tools

import "os"

// LocalServerFlag makes the gateway binary serve the built-in tool server
// over stdio instead of starting the HTTP listener.
const LocalServerFlag = "--local-tools-stdio"

// LocalSpec describes the built-in tool server as a stdio spec that
// re-executes the current binary in local-tools mode.
func LocalSpec(logLevel, contentRoot string) (ServerSpec, error) {
	exe, err := os.Executable()
	if err != nil {
		return ServerSpec{}, err
	}
	return ServerSpec{
		Name:      "local",
		Transport: TransportStdio,
		Command:   exe,
		Args:      []string{LocalServerFlag},
		Env: map[string]string{
			"LOCAL_TOOLS_LOG_LEVEL":    logLevel,
			"LOCAL_TOOLS_CONTENT_ROOT": contentRoot,
		},
	}, nil
}
