// Package gateway holds the concrete clients for the external services the
// pipeline consumes: the YouTube Data API and the Gemini analysis API.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/vidreview/worker/internal/pipeline"
)

// uploadTag marks remote videos created by this service, so the
// reconciliation sweep never touches a user's unrelated uploads.
const uploadTag = "vidreview-upload"

// YouTube implements pipeline.UploadGateway against the YouTube Data API.
// It holds no per-user state: every call builds its client from the opaque
// credential blob handed in by the pipeline.
type YouTube struct{}

// NewYouTube creates the YouTube gateway.
func NewYouTube() *YouTube {
	return &YouTube{}
}

// credentialBlob is the JSON shape the identity collaborator stores for each
// user. Refreshing is delegated to the oauth2 token source built from it.
type credentialBlob struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
}

func (g *YouTube) service(ctx context.Context, creds []byte) (*youtube.Service, error) {
	var blob credentialBlob
	if err := json.Unmarshal(creds, &blob); err != nil {
		return nil, fmt.Errorf("invalid credential blob: %w", err)
	}
	if blob.Token == "" && blob.RefreshToken == "" {
		return nil, fmt.Errorf("credential blob carries no usable token")
	}

	conf := &oauth2.Config{
		ClientID:     blob.ClientID,
		ClientSecret: blob.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: blob.TokenURI},
		Scopes:       blob.Scopes,
	}
	token := &oauth2.Token{
		AccessToken:  blob.Token,
		RefreshToken: blob.RefreshToken,
	}

	svc, err := youtube.NewService(ctx, option.WithTokenSource(conf.TokenSource(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("failed to build YouTube client: %w", err)
	}
	return svc, nil
}

// CreateRemoteVideo starts a resumable upload and returns a handle the
// caller drains for progress until the remote id is produced.
func (g *YouTube) CreateRemoteVideo(ctx context.Context, creds []byte, req pipeline.UploadRequest) (pipeline.UploadHandle, error) {
	svc, err := g.service(ctx, creds)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", req.FilePath, err)
	}

	upload := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       req.Title,
			Description: req.Description,
			Tags:        []string{uploadTag},
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus: req.Visibility,
		},
	}

	h := &uploadHandle{progress: make(chan int, 16)}

	call := svc.Videos.Insert([]string{"snippet", "status"}, upload).
		Media(file, googleapi.ChunkSize(googleapi.DefaultUploadChunkSize)).
		ProgressUpdater(func(current, total int64) {
			if total <= 0 {
				return
			}
			pct := int(current * 100 / total)
			select {
			case h.progress <- pct:
			default:
				// Never let a slow consumer stall the transfer.
			}
		}).
		Context(ctx)

	go func() {
		defer file.Close()
		resp, err := call.Do()
		h.mu.Lock()
		if err != nil {
			h.err = fmt.Errorf("YouTube upload failed: %w", err)
		} else if resp == nil || resp.Id == "" {
			h.err = fmt.Errorf("YouTube upload returned no video id")
		} else {
			h.remoteID = resp.Id
		}
		h.mu.Unlock()
		close(h.progress)
	}()

	return h, nil
}

// uploadHandle adapts the client's progress callback to the pipeline's
// drain-until-done contract.
type uploadHandle struct {
	progress chan int

	mu       sync.Mutex
	remoteID string
	err      error
}

func (h *uploadHandle) NextChunk() (int, bool, error) {
	pct, ok := <-h.progress
	if ok {
		return pct, false, nil
	}
	// Channel closed: the transfer reached a terminal state.
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return 0, false, h.err
	}
	return 100, true, nil
}

func (h *uploadHandle) RemoteID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remoteID
}

// DeleteRemoteVideo removes a remote video by id.
func (g *YouTube) DeleteRemoteVideo(ctx context.Context, creds []byte, remoteID string) error {
	svc, err := g.service(ctx, creds)
	if err != nil {
		return err
	}
	if err := svc.Videos.Delete(remoteID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete remote video %s: %w", remoteID, err)
	}
	return nil
}

// RemoteVideoMetadata reads title and description of a remote video.
func (g *YouTube) RemoteVideoMetadata(ctx context.Context, creds []byte, remoteID string) (string, string, error) {
	svc, err := g.service(ctx, creds)
	if err != nil {
		return "", "", err
	}

	resp, err := svc.Videos.List([]string{"snippet"}).Id(remoteID).Context(ctx).Do()
	if err != nil {
		return "", "", fmt.Errorf("failed to read metadata for %s: %w", remoteID, err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Snippet == nil {
		return "", "", fmt.Errorf("remote video %s not found", remoteID)
	}

	snippet := resp.Items[0].Snippet
	return snippet.Title, snippet.Description, nil
}

// ListRemoteVideos returns the ids of this service's own uploads on the
// credentialed channel: the uploads playlist is walked and filtered down to
// videos carrying the app tag.
func (g *YouTube) ListRemoteVideos(ctx context.Context, creds []byte) ([]string, error) {
	svc, err := g.service(ctx, creds)
	if err != nil {
		return nil, err
	}

	channels, err := svc.Channels.List([]string{"contentDetails"}).Mine(true).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve own channel: %w", err)
	}
	if len(channels.Items) == 0 {
		return nil, nil
	}
	playlistID := channels.Items[0].ContentDetails.RelatedPlaylists.Uploads

	var candidates []string
	pageToken := ""
	for {
		resp, err := svc.PlaylistItems.List([]string{"contentDetails"}).
			PlaylistId(playlistID).MaxResults(50).PageToken(pageToken).
			Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list uploads playlist: %w", err)
		}
		for _, item := range resp.Items {
			candidates = append(candidates, item.ContentDetails.VideoId)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	var tagged []string
	for start := 0; start < len(candidates); start += 50 {
		end := start + 50
		if end > len(candidates) {
			end = len(candidates)
		}
		resp, err := svc.Videos.List([]string{"snippet"}).Id(candidates[start:end]...).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to inspect uploads: %w", err)
		}
		for _, v := range resp.Items {
			if v.Snippet == nil {
				continue
			}
			for _, tag := range v.Snippet.Tags {
				if tag == uploadTag {
					tagged = append(tagged, v.Id)
					break
				}
			}
		}
	}

	return tagged, nil
}
