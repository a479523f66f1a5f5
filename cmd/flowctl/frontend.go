package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/flowctl/internal/exitcode"
)

const frontendPage = `<!doctype html>
<html>
<head><title>flowctl command builder</title></head>
<body>
<h2>flowctl command builder</h2>
<form method="post" action="/launch">
<p><label>Arguments: <input name="args" size="100"
placeholder="counting.toml - --dry-run run"></label></p>
<p><button type="submit">Launch</button></p>
</form>
</body>
</html>
`

// runFrontend serves a one-shot command builder page, waits for a submitted
// argument line, and re-executes flowctl with it. The builder replaces the
// rest of the lifecycle entirely.
func runFrontend() int {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	argsCh := make(chan string, 1)
	r.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(frontendPage))
	})
	r.POST("/launch", func(c *gin.Context) {
		line := strings.TrimSpace(c.PostForm("args"))
		if line == "" {
			c.String(http.StatusBadRequest, "empty argument line")
			return
		}
		select {
		case argsCh <- line:
			c.String(http.StatusOK, "launching: flowctl %s", line)
		default:
			c.String(http.StatusConflict, "a launch is already in flight")
		}
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Error().Err(err).Msg("flowctl frontend listen failed")
		return exitcode.Failure
	}
	srv := &http.Server{Handler: r}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()
	log.Info().Str("url", "http://"+ln.Addr().String()+"/").Msg("flowctl frontend ready, submit a command line")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info().Msg("flowctl frontend interrupted")
		return exitcode.Success
	case line := <-argsCh:
		return execSelf(strings.Fields(line))
	}
}

// execSelf re-runs flowctl with the submitted arguments and forwards its
// exit code.
func execSelf(args []string) int {
	exe, err := os.Executable()
	if err != nil {
		log.Error().Err(err).Msg("flowctl frontend re-exec failed")
		return exitcode.Failure
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		log.Error().Err(err).Msg("flowctl frontend launch failed")
		return exitcode.Failure
	}
	return exitcode.Success
}
