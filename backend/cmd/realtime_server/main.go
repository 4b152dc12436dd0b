package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"realtimeServer/backend/internal/cache"
	"realtimeServer/backend/internal/chat"
	"realtimeServer/backend/internal/collab"
	"realtimeServer/backend/internal/httpapi/middleware"
	"realtimeServer/backend/internal/identity"
	"realtimeServer/backend/internal/notify"
	"realtimeServer/backend/internal/presence"
	"realtimeServer/backend/internal/ratelimit"
	"realtimeServer/backend/internal/registry"
	"realtimeServer/backend/internal/store"
	"realtimeServer/backend/internal/ws"
)

type RealtimeConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		// local: 本进程 HS256 验签; remote: 调 auth 服务的 verify 接口
		Mode string `mapstructure:"mode"`
		Path string `mapstructure:"path"`
	} `mapstructure:"Auth"`
	Heartbeat struct {
		TimeoutSeconds int `mapstructure:"timeoutSeconds"`
	} `mapstructure:"Heartbeat"`
	Limits struct {
		Default struct {
			Limit         int `mapstructure:"limit"`
			WindowSeconds int `mapstructure:"windowSeconds"`
		} `mapstructure:"default"`
		Overrides map[string]struct {
			Limit         int `mapstructure:"limit"`
			WindowSeconds int `mapstructure:"windowSeconds"`
		} `mapstructure:"overrides"`
	} `mapstructure:"Limits"`
}

func initConfig() (*RealtimeConfig, error) {
	cfg := &RealtimeConfig{}
	v := viper.New()
	v.SetConfigName("realtimeConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	gormDB, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatalf("Failed to get sql.DB: %v", err)
	}
	defer sqlDB.Close()

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	heartbeatTimeout := time.Duration(cfg.Heartbeat.TimeoutSeconds) * time.Second
	reg := registry.NewRegistry(heartbeatTimeout)
	defer reg.Close()
	hub := ws.NewHub(reg)

	presenceCache := cache.NewRedisPresence(rdb)
	tracker := presence.NewTracker(hub, presenceCache, heartbeatTimeout)
	reg.SetHook(tracker)
	reg.StartSweeper(0)

	// 存储层：操作日志/快照/文档元数据走原生 SQL，消息和通知走 gorm
	opStore := store.NewOperationStore(sqlDB)
	snapshotStore := store.NewSnapshotStore(sqlDB)
	documentStore := store.NewDocumentStore(sqlDB)
	messageStore := store.NewMessageStore(gormDB)
	notificationStore := store.NewNotificationStore(gormDB)

	// Kafka 本地队列 + worker 重试发送
	kafkaSem := collab.NewSemaphoreControl()
	editSem := collab.NewSemaphoreControl()
	dispatcher := collab.NewEventDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.EventDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	engine := collab.NewEngine(opStore, snapshotStore, documentStore, nil, dispatcher, collab.EngineOptions{})
	// ws 层依赖引擎，广播面反向只能后挂
	engine.SetBroadcaster(ws.NewOpFanout(hub))

	chatSvc := chat.NewService(hub, messageStore, chat.ServiceOptions{})
	notifier := notify.NewDispatcher(reg, notificationStore, notify.NewLogMailer(), notify.DispatcherOptions{})

	limiterOpts := ratelimit.Options{
		Default: ratelimit.Rule{
			Limit:  cfg.Limits.Default.Limit,
			Window: time.Duration(cfg.Limits.Default.WindowSeconds) * time.Second,
		},
		Overrides: make(map[string]ratelimit.Rule),
	}
	for event, rule := range cfg.Limits.Overrides {
		limiterOpts.Overrides[event] = ratelimit.Rule{
			Limit:  rule.Limit,
			Window: time.Duration(rule.WindowSeconds) * time.Second,
		}
	}
	limiter := ratelimit.NewLimiter(rdb, limiterOpts)

	manager := ws.NewManager(reg, hub, chatSvc, engine, notifier, limiter, tracker, editSem)

	var verifier identity.Verifier
	if cfg.Auth.Mode == "remote" {
		verifier = identity.NewHTTPVerifier(cfg.Auth.Path)
	} else {
		verifier = identity.NewJWTVerifier()
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	rt := r.Group("/realtime")
	// 鉴权中间件会从 Authorization 或 ?token= 提取 token，并写入 userId/username
	rt.Use(middleware.AuthMiddleware(verifier))
	rt.GET("/ws", manager.WebSocketConnect)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
