package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	nexasync "github.com/nexa-social/nexasync"
)

var (
	uploadMime   string
	uploadSend   string
	uploadSender string
)

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringVar(&uploadMime, "mime", "", "override the detected MIME type")
	uploadCmd.Flags().StringVar(&uploadSend, "send", "", "after upload, send the file to this conversation as --sender")
	uploadCmd.Flags().StringVar(&uploadSender, "sender", "", "sender id used with --send")
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file through the media-upload breaker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blob, err := nexasync.BlobFromFile(args[0])
		if err != nil {
			return err
		}
		if uploadMime != "" {
			blob.ContentType = uploadMime
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		client, _, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		url, err := client.Upload(ctx, blob)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		fmt.Printf("URL:  %s\n", url)
		fmt.Printf("File: %s (%d bytes, %s)\n", blob.Name, len(blob.Data), blob.ContentType)

		if uploadSend == "" {
			return nil
		}
		if uploadSender == "" {
			return fmt.Errorf("--sender is required with --send")
		}
		res, err := client.Queue.Send(ctx, nexasync.OfflineMessage{
			ConversationID: uploadSend,
			SenderID:       uploadSender,
			Kind:           "file",
			Payload:        fileMessage(url, blob),
		})
		if err != nil {
			return err
		}
		fmt.Printf("Message: %s (delivered=%t)\n", res.ID, res.Delivered)
		return nil
	},
}

func fileMessage(url string, blob nexasync.Blob) []byte {
	return []byte(fmt.Sprintf(`{"url":%q,"name":%q,"size":%d}`, url, blob.Name, len(blob.Data)))
}
