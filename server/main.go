// Forge server: Main
// Copyright Alistair Cunningham 2024-2025

package main

import (
	"flag"
	"fmt"
	"os"
)

var data_dir string

func main() {
	var config string
	var data string
	var port int
	flag.StringVar(&config, "config", "/etc/forge/forge.conf", "Configuration file")
	flag.StringVar(&data, "data", "", "Directory to store data in, overriding the configuration file")
	flag.IntVar(&port, "port", 0, "Web port to listen on, overriding the configuration file")
	flag.Parse()

	info("Forge starting")
	if file_exists(config) {
		err := ini_load(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to read configuration file %q: %v\n", config, err)
			os.Exit(1)
		}
	} else {
		warn("Configuration file %q not found; using defaults", config)
	}

	data_dir = ini_string("server", "data", "/var/lib/forge")
	if data != "" {
		data_dir = data
	}
	if port == 0 {
		port = ini_int("server", "port", 8080)
	}
	must(file_mkdir(data_dir))

	db_open("db/forge.db")

	// Administration commands, such as "forge user-create -username alice", run and exit
	if flag.NArg() > 0 {
		err := admin_command(flag.Args(), os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	audit_init()
	defer audit_close()

	backend := ini_string("git", "backend", "native")
	switch backend {
	case "native":
		git_backend = &git_protocol_native{binary: ini_string("git", "binary", "git"), timeout: ini_seconds("git", "timeout", 3600)}
	case "internal":
		git_backend = git_protocol_internal_new()
	default:
		panic(fmt.Sprintf("Unknown git backend %q", backend))
	}
	web_anonymous_read = ini_bool("git", "anonymous_read", false)
	web_body_idle = ini_seconds("server", "body_idle", 60)
	merge_scratch_dir = ini_string("git", "scratch", "")
	if merge_scratch_dir != "" {
		must(file_mkdir(merge_scratch_dir))
	}

	err := repositories_start()
	if err != nil {
		panic(fmt.Sprintf("Unable to start repository store: %v", err))
	}
	pipelines_start()
	ratelimit_configure()
	go ratelimit_manager()
	audit_server_start(backend)

	web_start(ini_string("server", "listen", "0.0.0.0"), port, ini_strings_commas("server", "domains"))
}
