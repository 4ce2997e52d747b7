package accesslog

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/middleware"
)

// AccessLog writes one Common Log Format line per answered request.
type AccessLog struct {
	mu      sync.Mutex
	logFile *os.File
}

// New returns a new AccessLog
func New(cfg *config.Config) *AccessLog {
	var logFile *os.File
	var err error

	if cfg.AccessLog != "" {
		logFile, err = os.OpenFile(cfg.Path(cfg.AccessLog), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			zlog.Error("Access log file open failed", "error", strings.Trim(err.Error(), "\n"))
		}
	}

	return &AccessLog{logFile: logFile}
}

// Name return middleware name
func (a *AccessLog) Name() string { return name }

// ServeDNS implements the Handler interface.
func (a *AccessLog) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	ch.Next(ctx)

	w := ch.Writer

	if a.logFile == nil || !w.Written() || w.Internal() {
		return
	}

	resp := w.Msg()

	question := "\"-\""
	if len(resp.Question) > 0 {
		question = formatQuestion(resp.Question[0])
	}

	record := []string{
		w.RemoteIP().String() + " -",
		"[" + time.Now().Format("02/Jan/2006:15:04:05 -0700") + "]",
		question,
		w.Proto(),
		dns.OpcodeToString[resp.Opcode],
		dns.RcodeToString[resp.Rcode],
		strconv.Itoa(w.Size()),
	}

	a.mu.Lock()
	_, err := a.logFile.WriteString(strings.Join(record, " ") + "\n")
	a.mu.Unlock()

	if err != nil {
		zlog.Error("Access log write failed", "error", strings.Trim(err.Error(), "\n"))
	}
}

// Close closes the log file.
func (a *AccessLog) Close() error {
	if a.logFile == nil {
		return nil
	}

	return a.logFile.Close()
}

func formatQuestion(q dns.Question) string {
	return "\"" + strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype] + "\""
}

const name = "accesslog"
