// Command gendocs generates man pages from Cobra commands.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra/doc"

	"trosync.dev/go/trosync/internal/cli"
)

func main() {
	header := &doc.GenManHeader{
		Title:   "TROSYNC",
		Section: "1",
		Manual:  "trosync manual",
	}

	if err := os.MkdirAll("./man", 0755); err != nil {
		log.Fatalf("Failed to create man directory: %v", err)
	}

	if err := doc.GenManTree(cli.RootCmd, header, "./man"); err != nil {
		log.Fatalf("Failed to generate man pages: %v", err)
	}
	log.Println("Man pages generated in ./man")

	if err := os.MkdirAll("./docs/cli", 0755); err != nil {
		log.Fatalf("Failed to create docs directory: %v", err)
	}
	if err := doc.GenMarkdownTree(cli.RootCmd, "./docs/cli"); err != nil {
		log.Fatalf("Failed to generate markdown docs: %v", err)
	}
	log.Println("Markdown docs generated in ./docs/cli")
}
