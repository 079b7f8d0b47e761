// Forge server: Read ini file
// Copyright Alistair Cunningham 2025

package main

import (
	"gopkg.in/ini.v1"
	"regexp"
	"time"
)

var (
	ini_file            = ini.Empty()
	match_commas_spaces = regexp.MustCompile("[\\s,]+")
)

func ini_bool(section string, key string, def bool) bool {
	return ini_file.Section(section).Key(key).MustBool(def)
}

func ini_int(section string, key string, def int) int {
	return ini_file.Section(section).Key(key).MustInt(def)
}

// Duration in seconds; zero or negative disables it
func ini_seconds(section string, key string, def int) time.Duration {
	seconds := ini_int(section, key, def)
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func ini_load(file string) error {
	f, err := ini.Load(file)
	if err != nil {
		return err
	}
	ini_file = f
	return nil
}

func ini_string(section string, key string, def string) string {
	return ini_file.Section(section).Key(key).MustString(def)
}

func ini_strings_commas(section string, key string) []string {
	s := match_commas_spaces.Split(ini_file.Section(section).Key(key).MustString(""), -1)
	if len(s) == 1 && s[0] == "" {
		return nil
	}
	return s
}
