// Prints SQL that creates (or resets) an account with a bcrypt hash:
//
//	go run scripts/genhash.go alice 's3cret' | psql "$PG_DSN"
//
// The password is read from stdin when omitted.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		log.Fatal("usage: genhash <username> [password]")
	}
	username := strings.TrimSpace(os.Args[1])
	password := ""
	if len(os.Args) > 2 {
		password = os.Args[2]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			log.Fatalf("read password: %v", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if username == "" || password == "" {
		log.Fatal("username and password required")
	}

	// Same cost the API uses on register.
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("hash: %v", err)
	}
	fmt.Printf("INSERT INTO users (username, password_hash) VALUES ('%s', '%s')\n"+
		"ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash;\n",
		strings.ReplaceAll(username, "'", "''"), h)
}
