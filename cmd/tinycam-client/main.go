// Command tinycam-client is a Go mirror of the Python reference client in
// original_source/TinyCamClientExample: it can stream live video into a
// file or stdout, or issue one-shot signed control-plane requests
// (start/stop/apply-config/device/file list/file download) against a
// running tinycam server.
package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/Gibartes/TinyCam/internal/keys"
	"github.com/Gibartes/TinyCam/internal/player"
)

func main() {
	var (
		keysPath   = flag.String("keys", "./keys.json", "path to keys.json (managementKey/accessKey)")
		host       = flag.String("host", "localhost", "server hostname")
		streamPort = flag.Int("port", 8443, "stream server port")
		ctrlPort   = flag.Int("control-port", 8444, "control server port")
		useSSL     = flag.Bool("ssl", false, "use wss/https instead of ws/http")
		out        = flag.String("out", "", "write streamed plaintext to this file instead of stdout")
		timeout    = flag.Duration("timeout", 30*time.Second, "timeout for one-shot control requests")
		codecHint  = flag.String("codec-hint", "vp9", "codec to assume if the server's hello omits one")
		debug      = flag.Bool("debug", false, "enable debug logging")

		doList     = flag.Bool("list", false, "list archived files and exit")
		doFile     = flag.String("file", "", "download the named archived file and exit")
		doResume   = flag.Bool("resume", false, "resume a partial download of -file using its existing size as Range start")
		doStart    = flag.Bool("start", false, "start the encoder and exit")
		doStop     = flag.Bool("stop", false, "stop the encoder and exit")
		doApply    = flag.Bool("apply", false, "reload TINYCAM_CONFIG_FILE on the server and exit")
		doDevice   = flag.Bool("device", false, "print host/device info and exit")
		forceApply = flag.Bool("force", false, "pass force=true to -start/-stop/-apply")
	)
	flag.Parse()

	log := newLogger(*debug)

	material, err := keys.Load(*keysPath)
	if err != nil {
		log.Error("load keys failed", "path", *keysPath, "err", err)
		os.Exit(1)
	}

	c := &controlClient{
		baseURL:       controlBaseURL(*host, *ctrlPort, *useSSL),
		managementKey: material.ManagementKey(),
		httpClient:    &http.Client{Timeout: *timeout},
	}

	switch {
	case *doList:
		runList(c)
	case *doFile != "":
		runDownload(c, *doFile, *out, *doResume)
	case *doStart:
		runSimpleOp(c, "/start", *forceApply)
	case *doStop:
		runSimpleOp(c, "/stop", *forceApply)
	case *doApply:
		runSimpleOp(c, "/apply-config", *forceApply)
	case *doDevice:
		runDevice(c)
	default:
		runStream(log, *host, *streamPort, *useSSL, material.AccessKey(), *codecHint, *out)
	}
}

func newLogger(debug bool) *slog.Logger {
	lvl := slog.LevelInfo
	if debug {
		lvl = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen}))
}

// runStream dials the /stream endpoint and writes decrypted plaintext to
// out (or stdout) until interrupted.
func runStream(log *slog.Logger, host string, port int, ssl bool, accessKey []byte, codecHint, out string) {
	scheme := "ws"
	if ssl {
		scheme = "wss"
	}
	streamURL := fmt.Sprintf("%s://%s:%d/stream", scheme, host, port)

	var dest io.Writer = os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			log.Error("create output file failed", "path", out, "err", err)
			os.Exit(1)
		}
		defer f.Close()
		dest = f
	}

	buf := player.NewMediaBuffer()
	p := player.New(streamURL, accessKey, player.Options{CodecHint: codecHint})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	flushTicker := time.NewTicker(time.Second)
	defer flushTicker.Stop()
	go func() {
		written := 0
		for range flushTicker.C {
			b := buf.Bytes()
			if len(b) > written {
				dest.Write(b[written:])
				written = len(b)
			}
		}
	}()

	log.Info("streaming", "url", streamURL)
	if err := p.Stream(ctx, buf); err != nil && ctx.Err() == nil {
		log.Error("stream ended", "err", err)
		os.Exit(1)
	}
}

// controlClient issues signed requests against the control plane (§4.9).
type controlClient struct {
	baseURL       string
	managementKey []byte
	httpClient    *http.Client
}

func controlBaseURL(host string, port int, ssl bool) string {
	scheme := "http"
	if ssl {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

func (c *controlClient) sign(body []byte) string {
	mac := hmac.New(sha256.New, c.managementKey)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *controlClient) post(path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TinyCam-Auth", c.sign(body))
	return c.httpClient.Do(req)
}

func runSimpleOp(c *controlClient, path string, force bool) {
	body, _ := json.Marshal(map[string]interface{}{"force": force, "ts": time.Now().Unix()})
	resp, err := c.post(path, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", path, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	fmt.Printf("%s -> %s\n", path, resp.Status)
}

func runDevice(c *controlClient) {
	body, _ := json.Marshal(map[string]interface{}{"ts": time.Now().Unix()})
	resp, err := c.post("/device", body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "device request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	io.Copy(os.Stdout, resp.Body)
	fmt.Println()
}

func runList(c *controlClient) {
	body, _ := json.Marshal(map[string]interface{}{"ts": time.Now().Unix()})
	resp, err := c.post("/file/list", body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var list struct {
		Files []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		fmt.Fprintf(os.Stderr, "decode list failed: %v\n", err)
		os.Exit(1)
	}
	for _, f := range list.Files {
		fmt.Printf("%10d  %s\n", f.Size, f.Name)
	}
}

func runDownload(c *controlClient, name, out string, resume bool) {
	if out == "" {
		out = name
	}

	var rangeStart int64
	openFlag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resume {
		if info, err := os.Stat(out); err == nil {
			rangeStart = info.Size()
			openFlag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
	}

	body, _ := json.Marshal(map[string]interface{}{"name": name, "attachment": true, "ts": time.Now().Unix()})
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/file/download", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request failed: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TinyCam-Auth", c.sign(body))
	if rangeStart > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(rangeStart, 10)+"-")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "download failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		fmt.Fprintf(os.Stderr, "download failed: %s\n", resp.Status)
		os.Exit(1)
	}

	f, err := os.OpenFile(out, openFlag, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open output file failed: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	written, err := io.Copy(f, resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "write output file failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d bytes to %s\n", written, out)
}
