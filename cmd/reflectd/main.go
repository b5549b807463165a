package main

import "log"

// version is set during compile time via ldflags.
// ie. go build -ldflags "-X 'main.version=1.2.3'"
var version = "dev"

func main() {
	if err := Execute(version); err != nil {
		log.Fatal(err)
	}
}
