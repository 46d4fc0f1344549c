// Command syncrepo-demo starts two local repos over loopback TCP,
// creates a document on one, and waits for the other to converge,
// mirroring the teacher's cmd/main.go shape (options struct, collection
// setup, example operations) but exercising the synchronizer instead of
// a local knowledge base.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/syncmesh/repo/pkg/syncrepo"
)

func main() {
	ctx := context.Background()

	appDataDir := os.Getenv("XDG_DATA_HOME")
	if appDataDir == "" {
		home, _ := os.UserHomeDir()
		appDataDir = filepath.Join(home, ".local", "share", "syncrepo-demo")
	}
	aliceDir := filepath.Join(appDataDir, "alice")
	bobDir := filepath.Join(appDataDir, "bob")
	for _, dir := range []string{aliceDir, bobDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal(err)
		}
	}

	alice, err := syncrepo.New(ctx, syncrepo.Options{DataDir: aliceDir, Listen: true})
	if err != nil {
		log.Fatal(err)
	}
	defer alice.Shutdown()

	bob, err := syncrepo.New(ctx, syncrepo.Options{DataDir: bobDir, Listen: true})
	if err != nil {
		log.Fatal(err)
	}
	defer bob.Shutdown()

	if err := bob.Dial(alice.Addr()); err != nil {
		log.Fatal(err)
	}

	alice.OnUnavailableDocument(func(url string) {
		fmt.Printf("alice: document unavailable: %s\n", url)
	})

	doc, err := alice.Create(ctx)
	if err != nil {
		log.Fatal(err)
	}
	doc.Update(func(v interface{}) {
		if setter, ok := v.(interface {
			Set(peerID string, fields map[string]interface{})
		}); ok {
			setter.Set(alice.PeerID(), map[string]interface{}{"greeting": "hello from alice"})
		}
	})
	fmt.Printf("alice created %s\n", doc.URL())

	peer, err := bob.Find(ctx, doc.URL())
	if err != nil {
		log.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !peer.Ready() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !peer.Ready() {
		fmt.Println("bob: document did not become ready before the deadline")
		return
	}
	fmt.Printf("bob converged: %v\n", peer.Value())
}
