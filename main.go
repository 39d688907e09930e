package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/lucasalmeidadh/lemeai-sync/config"
	"github.com/lucasalmeidadh/lemeai-sync/internal/adapters/leme"
	"github.com/lucasalmeidadh/lemeai-sync/internal/hub"
	"github.com/lucasalmeidadh/lemeai-sync/internal/httpapi"
	"github.com/lucasalmeidadh/lemeai-sync/internal/media"
	"github.com/lucasalmeidadh/lemeai-sync/internal/notify"
	"github.com/lucasalmeidadh/lemeai-sync/internal/services"
	"github.com/lucasalmeidadh/lemeai-sync/internal/storage"
	"github.com/lucasalmeidadh/lemeai-sync/pkg/logger"
)

func main() {
	logger.InitLogger()

	log.Info().Msg("Loading configuration...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deviceStore, err := storage.Open(cfg.DeviceStorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open device store")
	}
	defer deviceStore.Close()

	apiClient, err := leme.NewClient(cfg.APIBaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Leme API client")
	}

	// Restore the persisted session identity, refreshing it from the API
	// when reachable.
	if user, err := apiClient.CurrentUser(ctx); err == nil {
		if err := deviceStore.SaveUser(user); err != nil {
			log.Warn().Err(err).Msg("Failed to persist session identity")
		}
		log.Info().Int64("userID", user.ID).Str("name", user.Name).Msg("Session identity refreshed")
	} else if user, err := deviceStore.LoadUser(); err == nil {
		log.Info().Int64("userID", user.ID).Str("name", user.Name).Msg("Using persisted session identity")
	} else {
		log.Warn().Msg("No session identity available yet")
	}

	hubClient, err := hub.NewClient(cfg.HubURL, hub.WithHTTPClient(apiClient.HTTPClient()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize hub client")
	}

	var rabbit *notify.RabbitPublisher
	if cfg.RabbitURL != "" {
		rabbit, err = notify.NewRabbitPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Error().Err(err).Msg("RabbitMQ unavailable, channel disabled")
			rabbit = nil
		} else {
			defer rabbit.Close()
		}
	}
	delivery := notify.NewDeliveryManager(cfg.NotifyWebhookURL, rabbit)
	defer delivery.Close()
	notifier := notify.NewNotifier(delivery)

	archiver, err := media.NewArchiver(cfg.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize S3 media archiver")
	}

	store, err := services.NewMessageSyncService(apiClient, services.WithRefreshDebounce(cfg.RefreshDebounce))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize MessageSyncService")
	}
	defer store.Close()
	log.Info().Msg("MessageSyncService initialized successfully")

	binder := services.NewGroupBinder(hubClient)
	poller := services.NewUnreadPoller(apiClient, notifier, cfg.PollInterval)

	stateSub := hubClient.OnStateChange(func(s hub.State) {
		if s == hub.Connected {
			binder.HandleConnected(ctx)
		}
	})
	defer stateSub.Off()

	pushSub := hubClient.On("ReceiveNewMessage", func(args []json.RawMessage) {
		if len(args) == 0 {
			log.Warn().Msg("ReceiveNewMessage event without payload")
			return
		}
		msg, err := leme.DecodePushMessage(args[0])
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring undecodable pushed message")
			return
		}
		store.OnPushMessage(msg)
		if msg.ConversationID != store.Selected() {
			delivery.Deliver(notify.NewMessageEvent(msg.ConversationID, msg))
		}
		if archiver != nil && msg.MediaURL != "" {
			go func() {
				if err := archiver.ArchiveInbound(ctx, msg); err != nil {
					log.Warn().Err(err).Int64("messageID", msg.ID).Msg("Media archive failed")
				}
			}()
		}
	})
	defer pushSub.Off()

	go func() {
		if err := hubClient.Connect(ctx); err != nil {
			log.Error().Err(err).Msg("Initial hub connection failed; polling continues as fallback")
		}
	}()
	defer hubClient.Disconnect()

	go poller.Run(ctx)

	server := httpapi.NewServer(apiClient, store, binder, poller, hubClient, notifier, delivery)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server.Router()}
	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("Control API listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Failed to start control API")
	}
}
