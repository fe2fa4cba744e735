package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/rkxrichard/UzdenBot/internal/actions"
	"github.com/rkxrichard/UzdenBot/internal/admin"
	"github.com/rkxrichard/UzdenBot/internal/adminstate"
	"github.com/rkxrichard/UzdenBot/internal/config"
	"github.com/rkxrichard/UzdenBot/internal/database"
	"github.com/rkxrichard/UzdenBot/internal/guard"
	"github.com/rkxrichard/UzdenBot/internal/keys"
	"github.com/rkxrichard/UzdenBot/internal/notify"
	"github.com/rkxrichard/UzdenBot/internal/payment"
	"github.com/rkxrichard/UzdenBot/internal/subscription"
	"github.com/rkxrichard/UzdenBot/internal/users"
	"github.com/rkxrichard/UzdenBot/internal/worker"
	"github.com/rkxrichard/UzdenBot/internal/xui"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	panel := xui.NewClient(cfg.XuiBaseURL, cfg.XuiBasePath, cfg.XuiUsername, cfg.XuiPassword)

	var notifier notify.Notifier
	if cfg.BotToken != "" {
		tg, err := notify.NewTelegramNotifier(cfg.BotToken)
		if err != nil {
			log.Fatalf("Failed to init telegram notifier: %v", err)
		}
		notifier = tg
	} else {
		log.Println("BOT_TOKEN not set, notifications disabled")
		notifier = notify.NopNotifier{}
	}

	subSvc := subscription.NewService(db)
	keySvc := keys.NewService(db, panel, subSvc,
		cfg.XuiInboundID, cfg.XuiPublicHost, cfg.XuiPublicPort, cfg.XuiLinkTag, cfg.MaxKeysPerUser)
	userSvc := users.NewService(db, subSvc, keySvc)

	gateway := payment.NewClient(cfg.YookassaShopID, cfg.YookassaKey)
	paySvc := payment.NewService(db, gateway, subSvc, keySvc, notifier, cfg.YookassaReturnURL)

	guards := guard.New(rdb, cfg.IdempotencyTTL, cfg.RateLimitWindow, cfg.RateLimitMax)
	state := adminstate.NewStore(rdb, cfg.AdminStateTTL)
	adminFlow := admin.NewFlow(userSvc, subSvc, keySvc, state)
	engine := actions.NewEngine(guards, userSvc, subSvc, keySvc, paySvc, cfg.Plans, cfg.UpdateIdempotencyTTL)

	go worker.NewRecoveryWorker(keySvc, cfg.RecoveryInterval, cfg.KeyRecoveryThreshold).Start(ctx)
	go worker.NewCleanupWorker(keySvc, userSvc, cfg.CleanupInterval, cfg.KeyUnusedTTL).Start(ctx)
	go worker.NewNotifyWorker(db, subSvc, notifier, cfg.NotifyInterval).Start(ctx)

	router := gin.Default()
	payment.NewWebhookHandler(paySvc, cfg.YookassaWebhookSecret, cfg.AllowedYooIP).Register(router)
	actions.NewAPI(engine, adminFlow, cfg.IsAdmin).Register(router)

	log.Printf("Webhook server listening on %s", cfg.WebhookAddr)
	if err := router.Run(cfg.WebhookAddr); err != nil {
		log.Fatalf("Webhook server failed: %v", err)
	}
}
