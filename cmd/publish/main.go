package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tar-bin/atrarium-sub000/internal/atproto"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		handle      string
		password    string
		pds         string
		serviceDID  string
		groupID     string
		displayName string
		description string
		avatarPath  string
		unpublish   bool
	)

	flag.StringVar(&handle, "handle", envOrDefault("BLUESKY_HANDLE", ""), "BlueSky handle (e.g. user.bsky.social)")
	flag.StringVar(&password, "password", envOrDefault("BLUESKY_APP_PASSWORD", ""), "BlueSky app password")
	flag.StringVar(&pds, "pds", envOrDefault("BLUESKY_PDS", "https://bsky.social"), "PDS service URL")
	flag.StringVar(&serviceDID, "service-did", envOrDefault("GROUPGEN_SERVICE_DID", ""), "Feed generator service DID (e.g. did:web:groups.example.com)")
	flag.StringVar(&groupID, "group", "", "Group id, used as the feed record key")
	flag.StringVar(&displayName, "name", "", "Feed display name (max 24 graphemes)")
	flag.StringVar(&description, "description", "", "Feed description (max 300 graphemes)")
	flag.StringVar(&avatarPath, "avatar", "", "Path to a PNG avatar for the feed (optional)")
	flag.BoolVar(&unpublish, "unpublish", false, "Delete the group's feed generator record instead of publishing")
	flag.Parse()

	if handle == "" || password == "" {
		return fmt.Errorf("--handle and --password are required (or set BLUESKY_HANDLE and BLUESKY_APP_PASSWORD)")
	}
	if groupID == "" {
		return fmt.Errorf("--group is required")
	}

	ctx := context.Background()
	client := atproto.NewClient(pds)

	fmt.Printf("Logging in as %s...\n", handle)
	if err := client.Login(ctx, handle, password); err != nil {
		return err
	}
	fmt.Printf("Authenticated as %s\n", client.DID())

	if unpublish {
		fmt.Printf("Unpublishing group feed %q...\n", groupID)
		if err := client.UnpublishGroupFeed(ctx, groupID); err != nil {
			return err
		}
		fmt.Printf("Feed unpublished: at://%s/app.bsky.feed.generator/%s\n", client.DID(), groupID)
		return nil
	}

	if serviceDID == "" {
		return fmt.Errorf("--service-did is required for publishing (or set GROUPGEN_SERVICE_DID)")
	}
	if displayName == "" {
		return fmt.Errorf("--name is required for publishing")
	}

	record := atproto.FeedGeneratorRecord{
		DID:         serviceDID,
		DisplayName: displayName,
		Description: description,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	if avatarPath != "" {
		data, err := os.ReadFile(avatarPath)
		if err != nil {
			return fmt.Errorf("read avatar: %w", err)
		}
		blob, err := client.UploadBlob(ctx, data, "image/png")
		if err != nil {
			return fmt.Errorf("upload avatar: %w", err)
		}
		record.Avatar = blob
	}

	fmt.Printf("Publishing group feed %q...\n", groupID)
	if err := client.PublishGroupFeed(ctx, groupID, record); err != nil {
		return err
	}

	feedURI := fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", client.DID(), groupID)
	fmt.Printf("Feed published: %s\n", feedURI)

	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
