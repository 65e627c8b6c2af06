package bootstrap

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/duetcode/duet/internal/config"
	"github.com/duetcode/duet/internal/hub"
	"github.com/duetcode/duet/internal/infra/blob"
	"github.com/duetcode/duet/internal/infra/cache"
	"github.com/duetcode/duet/internal/infra/db"
	"github.com/duetcode/duet/internal/infra/httpclient"
	"github.com/duetcode/duet/internal/infra/logger"
	mq "github.com/duetcode/duet/internal/infra/queue"
	"github.com/duetcode/duet/internal/modules/handler"
	"github.com/duetcode/duet/internal/modules/model"
	"github.com/duetcode/duet/internal/modules/repo"
	"github.com/duetcode/duet/internal/modules/service"
	"github.com/duetcode/duet/internal/stream"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func BuildContainer() *do.Injector {
	inj := do.New()

	// config
	do.Provide(inj, func(i *do.Injector) (*config.Config, error) {
		return config.Load()
	})

	// logger
	do.Provide(inj, func(i *do.Injector) (*zap.Logger, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return logger.New(cfg.Log.Level)
	})

	// DB
	do.Provide(inj, func(i *do.Injector) (*gorm.DB, error) {
		cfg := do.MustInvoke[*config.Config](i)
		d, err := db.New(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			_ = d.AutoMigrate(
				&model.Session{},
				&model.Participant{},
				&model.Message{},
				&model.Event{},
				&model.Sandbox{},
			)
		}
		return d, nil
	})

	// Redis
	do.Provide(inj, func(i *do.Injector) (*redis.Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return cache.New(cfg)
	})

	// RabbitMQ DialFunc for connection and reconnection
	do.Provide(inj, func(i *do.Injector) (mq.DialFunc, error) {
		cfg := do.MustInvoke[*config.Config](i)

		dialFn := func() (*amqp.Connection, error) {
			useTLS := cfg.RabbitMQ.EnableTLS || strings.HasPrefix(cfg.RabbitMQ.URL, "amqps://")
			if useTLS {
				tlsConfig := &tls.Config{
					MinVersion: tls.VersionTLS12,
				}
				url := cfg.RabbitMQ.URL
				if strings.HasPrefix(url, "amqp://") {
					url = strings.Replace(url, "amqp://", "amqps://", 1)
				}
				return amqp.DialTLS(url, tlsConfig)
			}
			return amqp.Dial(cfg.RabbitMQ.URL)
		}
		return dialFn, nil
	})

	// RabbitMQ Connection
	do.Provide(inj, func(i *do.Injector) (*amqp.Connection, error) {
		dialFn := do.MustInvoke[mq.DialFunc](i)
		return dialFn()
	})

	// RabbitMQ Publisher
	do.Provide(inj, func(i *do.Injector) (*mq.Publisher, error) {
		cfg := do.MustInvoke[*config.Config](i)
		conn := do.MustInvoke[*amqp.Connection](i)
		log := do.MustInvoke[*zap.Logger](i)
		dialFn := do.MustInvoke[mq.DialFunc](i)
		return mq.NewPublisher(conn, log, cfg, dialFn)
	})

	// S3
	do.Provide(inj, func(i *do.Injector) (*blob.S3Deps, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return blob.NewS3(context.Background(), cfg)
	})

	// Sandbox runtime client
	do.Provide(inj, func(i *do.Injector) (*httpclient.SandboxClient, error) {
		cfg := do.MustInvoke[*config.Config](i)
		log := do.MustInvoke[*zap.Logger](i)
		return httpclient.NewSandboxClient(cfg, log), nil
	})

	// Stream
	do.Provide(inj, func(i *do.Injector) (*stream.Publisher, error) {
		return stream.NewPublisher(
			do.MustInvoke[*redis.Client](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})
	do.Provide(inj, func(i *do.Injector) (*stream.Subscriber, error) {
		return stream.NewSubscriber(do.MustInvoke[*redis.Client](i)), nil
	})

	// Repo
	do.Provide(inj, func(i *do.Injector) (repo.SessionRepo, error) {
		return repo.NewSessionRepo(do.MustInvoke[*gorm.DB](i)), nil
	})
	do.Provide(inj, func(i *do.Injector) (repo.ParticipantRepo, error) {
		return repo.NewParticipantRepo(do.MustInvoke[*gorm.DB](i)), nil
	})
	do.Provide(inj, func(i *do.Injector) (repo.MessageRepo, error) {
		return repo.NewMessageRepo(do.MustInvoke[*gorm.DB](i)), nil
	})
	do.Provide(inj, func(i *do.Injector) (repo.EventRepo, error) {
		return repo.NewEventRepo(do.MustInvoke[*gorm.DB](i)), nil
	})
	do.Provide(inj, func(i *do.Injector) (repo.SandboxRepo, error) {
		return repo.NewSandboxRepo(do.MustInvoke[*gorm.DB](i)), nil
	})

	// Service
	do.Provide(inj, func(i *do.Injector) (*service.SandboxController, error) {
		return service.NewSandboxController(
			do.MustInvoke[repo.SandboxRepo](i),
			do.MustInvoke[repo.MessageRepo](i),
			do.MustInvoke[repo.EventRepo](i),
			do.MustInvoke[*httpclient.SandboxClient](i),
			do.MustInvoke[*stream.Publisher](i),
			do.MustInvoke[*config.Config](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})
	do.Provide(inj, func(i *do.Injector) (*service.SessionService, error) {
		return service.NewSessionService(
			do.MustInvoke[repo.SessionRepo](i),
			do.MustInvoke[repo.ParticipantRepo](i),
			do.MustInvoke[repo.MessageRepo](i),
			do.MustInvoke[repo.EventRepo](i),
			do.MustInvoke[*service.SandboxController](i),
			do.MustInvoke[*stream.Publisher](i),
			do.MustInvoke[*config.Config](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})
	do.Provide(inj, func(i *do.Injector) (*service.IngressService, error) {
		return service.NewIngressService(
			do.MustInvoke[repo.EventRepo](i),
			do.MustInvoke[repo.MessageRepo](i),
			do.MustInvoke[repo.SessionRepo](i),
			do.MustInvoke[repo.SandboxRepo](i),
			do.MustInvoke[*service.SandboxController](i),
			do.MustInvoke[*service.SessionService](i),
			do.MustInvoke[*stream.Publisher](i),
			do.MustInvoke[*mq.Publisher](i),
			do.MustInvoke[*config.Config](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})

	// Hub
	do.Provide(inj, func(i *do.Injector) (*hub.Hub, error) {
		return hub.New(
			do.MustInvoke[*service.SessionService](i),
			do.MustInvoke[*stream.Subscriber](i),
			do.MustInvoke[*stream.Publisher](i),
			do.MustInvoke[*config.Config](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})

	// Handler
	do.Provide(inj, func(i *do.Injector) (*handler.SessionHandler, error) {
		return handler.NewSessionHandler(do.MustInvoke[*service.SessionService](i)), nil
	})
	do.Provide(inj, func(i *do.Injector) (*handler.IngressHandler, error) {
		return handler.NewIngressHandler(do.MustInvoke[*service.IngressService](i)), nil
	})
	do.Provide(inj, func(i *do.Injector) (*handler.ArtifactHandler, error) {
		return handler.NewArtifactHandler(
			do.MustInvoke[*blob.S3Deps](i),
			do.MustInvoke[*service.IngressService](i),
			do.MustInvoke[*service.SessionService](i),
			do.MustInvoke[*mq.Publisher](i),
			do.MustInvoke[*config.Config](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})
	do.Provide(inj, func(i *do.Injector) (*handler.WsHandler, error) {
		return handler.NewWsHandler(do.MustInvoke[*hub.Hub](i)), nil
	})

	return inj
}
