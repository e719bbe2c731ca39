// Package config validates and holds the CLI operator surface: positional
// arguments <token> <local-path> <remote-path> [<password>].
package config

import "fmt"

// Config is the validated operator surface for one pipeline run.
type Config struct {
	Token      Secret
	LocalPath  string
	RemotePath string
	Password   Secret
	Encrypt    bool
}

// Parse validates args (os.Args[1:]) into a Config. An empty or absent
// password disables encryption and the remote path keeps no .zip suffix.
func Parse(args []string) (Config, error) {
	if len(args) < 3 || len(args) > 4 {
		return Config{}, fmt.Errorf("usage: <token> <local-path> <remote-path> [<password>]")
	}

	token := args[0]
	if token == "" {
		return Config{}, fmt.Errorf("token must not be empty")
	}

	localPath := args[1]
	if localPath == "" {
		return Config{}, fmt.Errorf("local-path must not be empty")
	}

	remotePath := args[2]
	if remotePath == "" {
		return Config{}, fmt.Errorf("remote-path must not be empty")
	}

	var password string
	if len(args) == 4 {
		password = args[3]
	}

	return Config{
		Token:      Secret(token),
		LocalPath:  localPath,
		RemotePath: remotePath,
		Password:   Secret(password),
		Encrypt:    password != "",
	}, nil
}
