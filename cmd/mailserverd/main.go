package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"flag"
	"math/big"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"crawshaw.io/iox"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/crypto/acme/autocert"

	"github.com/tibordp/mail-server/auth"
	"github.com/tibordp/mail-server/blob"
	"github.com/tibordp/mail-server/directory"
	"github.com/tibordp/mail-server/email/dkim"
	"github.com/tibordp/mail-server/httpapi"
	"github.com/tibordp/mail-server/jmap"
	"github.com/tibordp/mail-server/oauth"
	"github.com/tibordp/mail-server/queue"
	"github.com/tibordp/mail-server/smtp/inbound"
	"github.com/tibordp/mail-server/smtp/smtpclient"
	"github.com/tibordp/mail-server/smtp/smtpserver"
	"github.com/tibordp/mail-server/smtp/smtpserver/greylist"
	"github.com/tibordp/mail-server/store/db"
	"github.com/tibordp/mail-server/util/throttle"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	_ = godotenv.Load()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()

	hostname, err := os.Hostname()
	if err != nil {
		log.Warn().Err(err).Msg("cannot read hostname, using localhost")
		hostname = "localhost"
	}

	flagDev := flag.Bool("dev", false, "development server, a self-signed certificate is used")
	flagDBDir := flag.String("dbdir", "", "mail store database directory")
	flagDebugAddr := flag.String("debug_addr", "", "HTTP address for the debug server (do *not* expose to the public)")
	flagHostname := flag.String("hostname", hostname, "public hostname, used for SMTP EHLO and autocert")
	flagSMTPAddr := flag.String("smtp_addr", ":25", "SMTP relay/submission address")
	flagHTTPAddr := flag.String("http_addr", ":8080", "address for the JMAP/OAuth HTTP API")
	flagJWTSecret := flag.String("jwt_secret", os.Getenv("MAILSERVER_JWT_SECRET"), "HMAC secret for OAuth access tokens")
	flagRedisAddr := flag.String("redis_addr", os.Getenv("MAILSERVER_REDIS_ADDR"), "Redis address for the access-token cache (shared across a fleet); empty uses an in-process cache")
	flagDKIMKeyFile := flag.String("dkim_key_file", "", "PEM-encoded PKCS#1 RSA private key for signing outbound mail; empty disables DKIM signing")
	flagDKIMSelector := flag.String("dkim_selector", "mail", "DKIM selector published at <selector>._domainkey.<hostname>")
	flag.Parse()

	if *flagDBDir == "" {
		dir, err := os.MkdirTemp("", "mailserverd-")
		if err != nil {
			log.Fatal().Err(err).Msg("mkdir temp dbdir")
		}
		*flagDBDir = dir
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	log.Info().Str("version", version).Str("dbdir", *flagDBDir).Msg("mailserverd starting")

	pool, err := db.Open(filepath.Join(*flagDBDir, "mail.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer pool.Close()

	filer := iox.NewFiler(0)
	spoolDir := filepath.Join(*flagDBDir, "spool")
	if err := os.MkdirAll(spoolDir, 0700); err != nil {
		log.Fatal().Err(err).Msg("create spool dir")
	}

	dirGateway := &directory.Gateway{
		DB:       &db.Executor{Pool: pool},
		Throttle: &throttle.AccountThrottle{},
		Logf: func(format string, args ...interface{}) {
			log.Debug().Msgf(format, args...)
		},
	}
	authCache := &auth.Cache{Directory: dirGateway, Pool: pool}
	if *flagRedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: *flagRedisAddr})
		authCache.Store = auth.NewRedisStore(redisClient)
		log.Info().Str("redis_addr", *flagRedisAddr).Msg("access-token cache backed by redis")
	}
	blobStore := &blob.Store{Pool: pool}
	jmapServer := &jmap.Server{Pool: pool, Auth: authCache, Blobs: blobStore}

	queueCore := queue.NewCore(pool, spoolDir)

	if *flagJWTSecret == "" {
		*flagJWTSecret = "dev-secret-change-me"
		log.Warn().Msg("no jwt_secret configured, using an insecure development default")
	}
	oauthStore := oauth.NewStore(10 * time.Minute)
	tokenIssuer := &oauth.TokenIssuer{
		Signer:             []byte(*flagJWTSecret),
		AccessTokenTTL:     time.Hour,
		RefreshTokenTTL:    30 * 24 * time.Hour,
		RefreshRenewWithin: 24 * time.Hour,
	}

	router := chi.NewRouter()
	httpapi.Mount(router, &httpapi.Deps{
		JMAP:   jmapServer,
		Auth:   authCache,
		OAuth:  oauthStore,
		Tokens: tokenIssuer,
		Issuer: "https://" + *flagHostname,
	})

	var tlsConfig *tls.Config
	if *flagDev {
		log.Warn().Msg("***DEVELOPMENT MODE***")
		cert, err := selfSignedCert(*flagHostname)
		if err != nil {
			log.Fatal().Err(err).Msg("generate development certificate")
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	} else {
		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(*flagHostname),
			Cache:      autocert.DirCache(filepath.Join(*flagDBDir, "tls_certs")),
		}
		tlsConfig = &tls.Config{GetCertificate: certManager.GetCertificate}
	}

	if *flagDebugAddr != "" {
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", pprof.Index)
		debugMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		go func() {
			if err := http.ListenAndServe(*flagDebugAddr, debugMux); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("debug server")
			}
		}()
	}

	httpServer := &http.Server{Addr: *flagHTTPAddr, Handler: router, TLSConfig: tlsConfig}
	go func() {
		log.Info().Str("addr", *flagHTTPAddr).Msg("JMAP/OAuth HTTP listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server")
		}
	}()

	var nextMessageID int64
	spool := &inbound.Spool{
		Dir:      spoolDir,
		Filer:    filer,
		Core:     queueCore,
		Verifier: &dkim.Verifier{},
		Logger:   log.Logger,
		NextID: func() int64 {
			nextMessageID++
			return nextMessageID
		},
	}
	gl := &greylist.Greylist{
		Filer:      filer,
		GreyDB:     greylist.NewMemDB(),
		ProcessMsg: spool.ProcessRawMsg,
	}
	smtpSrv := &smtpserver.Server{
		NewMessage: func(remoteAddr net.Addr, from []byte, authToken uint64) (smtpserver.Msg, error) {
			return gl.NewMessage(context.Background(), remoteAddr, from, authToken)
		},
		Hostname:  *flagHostname,
		TLSConfig: tlsConfig,
		Logger:    log.Logger,
	}

	ln, err := net.Listen("tcp", *flagSMTPAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("smtp listen")
	}
	go func() {
		log.Info().Str("addr", *flagSMTPAddr).Msg("SMTP listening")
		if err := smtpSrv.ServeSTARTTLS(ln); err != nil {
			log.Error().Err(err).Msg("smtp serve")
		}
	}()

	smtpClient := smtpclient.NewClient(*flagHostname, 8)
	smtpClient.Logger = log.Logger
	if *flagDKIMKeyFile != "" {
		keyPEM, err := os.ReadFile(*flagDKIMKeyFile)
		if err != nil {
			log.Fatal().Err(err).Msg("read dkim key")
		}
		signer, err := dkim.NewSigner(*flagHostname, *flagDKIMSelector, keyPEM)
		if err != nil {
			log.Fatal().Err(err).Msg("load dkim signer")
		}
		smtpClient.Signer = signer
		log.Info().Str("selector", *flagDKIMSelector).Msg("outbound mail will be DKIM signed")
	}
	go queueScheduler(context.Background(), queueCore, smtpClient)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		cancel()
	}()
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { smtpSrv.Shutdown(shutdownCtx); wg.Done() }()
	go func() { httpServer.Shutdown(shutdownCtx); wg.Done() }()
	wg.Wait()

	if err := filer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("filer shutdown")
	}
	log.Info().Msg("mailserverd: shut down")
}

// queueScheduler periodically drains ready domains and attempts
// delivery, the loop form of spec §4.6's "a scheduler that selects
// ready domains (those whose retry.due <= now) and attempts delivery
// per domain."
func queueScheduler(ctx context.Context, core *queue.Core, client *smtpclient.Client) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready, err := core.ReadyDomains(ctx, time.Now().Unix())
			if err != nil {
				log.Error().Err(err).Msg("queue: list ready domains")
				continue
			}
			for _, rd := range ready {
				attemptDomain(ctx, core, client, rd)
			}
		}
	}
}

// attemptDomain loads one (message, domain)'s recipients and hands them
// to smtpclient.Client.Send via the domain's circuit breaker, then
// advances its retry/notify schedule on failure (spec §4.6).
func attemptDomain(ctx context.Context, core *queue.Core, client *smtpclient.Client, rd queue.ReadyDomain) {
	msg, err := core.LoadMessage(ctx, rd.MessageID, rd.DomainIdx)
	if err != nil || msg == nil {
		log.Error().Err(err).Int64("message_id", rd.MessageID).Msg("queue: load message")
		return
	}

	f, err := os.Open(msg.Path)
	if err != nil {
		log.Error().Err(err).Str("path", msg.Path).Msg("queue: open spooled message")
		return
	}
	defer f.Close()

	addrs := make([]string, len(msg.Recipients))
	for i, r := range msg.Recipients {
		addrs[i] = r.Address
	}

	status := core.Attempt(ctx, rd.Domain, func(ctx context.Context) (string, error) {
		deliveries, err := client.Send(ctx, msg.ReturnPath, addrs, f, msg.Size)
		if err != nil {
			return "", err
		}
		for _, d := range deliveries {
			if !d.Success() {
				return "", errFromDelivery(d)
			}
		}
		return "delivered", nil
	})

	domain := queue.Domain{DomainIdx: rd.DomainIdx, Domain: rd.Domain, Status: status}
	if status.Kind == queue.TemporaryFailure {
		core.NextRetry(&domain, time.Now())
		core.NextNotify(&domain, time.Now())
	}
	if err := core.UpdateDomainStatus(ctx, rd.MessageID, rd.DomainIdx, domain); err != nil {
		log.Error().Err(err).Int64("message_id", rd.MessageID).Msg("queue: persist domain status")
	}
}

func errFromDelivery(d smtpclient.Delivery) error {
	if d.Error != nil {
		return d.Error
	}
	return errDeliveryRejected
}

var errDeliveryRejected = errors.New("queue: recipient rejected by remote MTA")

// selfSignedCert mints a throwaway TLS certificate for -dev runs: no CA,
// no persistence, valid for localhost and hostname only. Good enough to
// exercise STARTTLS locally (the HTTP listener serves plain HTTP in -dev
// mode); anything reachable
// from outside this process should go through the autocert path instead.
func selfSignedCert(hostname string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"mailserverd development"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", hostname},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
