package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"postbee-tracker/internal/config"
	"postbee-tracker/internal/storage/models"
	"postbee-tracker/internal/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("postbee-tracker/storage/mysql")

// GormTracingPlugin 是一个GORM插件，用于向OpenTelemetry中添加数据库操作的追踪点
type GormTracingPlugin struct {
	tracer         trace.Tracer
	dbName         string
	disableErrSkip bool
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	// 为所有CRUD操作注册Before和After回调
	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}

	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}

	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after()); err != nil {
		return err
	}

	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()); err != nil {
		return err
	}

	if err := cb.Row().Before("gorm:row").Register("otel:before_row", p.before("ROW")); err != nil {
		return err
	}
	if err := cb.Row().After("gorm:row").Register("otel:after_row", p.after()); err != nil {
		return err
	}

	if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
		return err
	}
	if err := cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after()); err != nil {
		return err
	}

	return nil
}

// before 返回在GORM操作之前执行的回调函数
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if p.disableErrSkip && db.Statement.SkipHooks {
			return
		}

		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		// 获取操作表名，如果为空则使用"unknown"
		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		spanName := fmt.Sprintf("%s %s", operation, tableName)
		opts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		}

		newCtx, span := p.tracer.Start(ctx, spanName, opts...)

		// 将span保存在DB上下文中，以便在after回调中使用
		db.Statement.Context = context.WithValue(newCtx, "otel-span", span)
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value("otel-span").(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		// 记录错误（如果有），但正确处理ErrRecordNotFound
		if db.Error != nil {
			if errors.Is(db.Error, gorm.ErrRecordNotFound) {
				// ErrRecordNotFound 是业务逻辑正常情况的一部分，不应作为错误处理
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				tracing.RecordError(span, db.Error, tracing.ErrorTypeDB)
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// NewGormTracingPlugin 创建一个新的GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:         mysqlTracer,
		dbName:         dbName,
		disableErrSkip: true,
	}
}

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	// 构建DSN，添加超时设置
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	// 配置GORM日志级别
	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = logger.Silent
	case 2:
		logLevel = logger.Error
	case 3:
		logLevel = logger.Warn
	default:
		logLevel = logger.Info
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	// 设置连接池参数
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	// 注册OpenTelemetry追踪插件
	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	// 使用 GORM 的 AutoMigrate 功能自动迁移表结构
	if err := m.autoMigrateSchema(); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	log.Println("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移数据库表结构
func (m *MySQL) autoMigrateSchema() error {
	// 创建一个静默的logger以关闭迁移期间的SQL日志打印
	silentLogger := logger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	silentDB := m.db.Session(&gorm.Session{Logger: silentLogger})

	return silentDB.AutoMigrate(
		&models.JobInteraction{},
		&models.ScheduledNotification{},
	)
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// FindInteraction 按 (user_id, job_id) 查找交互记录。
// 未找到时返回 (nil, nil)，属于业务上的正常情况而非错误。
func (m *MySQL) FindInteraction(ctx context.Context, userID, jobID string) (*models.JobInteraction, error) {
	var interaction models.JobInteraction
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND job_id = ?", userID, jobID).
		First(&interaction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询交互记录失败 (user_id=%s, job_id=%s): %w", userID, jobID, err)
	}
	return &interaction, nil
}

// CreateInteraction 创建交互记录。
// (user_id, job_id) 上的唯一索引保证一对组合至多一条记录；
// 并发首写冲突不做调和，由调用方按最后写入生效处理。
func (m *MySQL) CreateInteraction(ctx context.Context, interaction *models.JobInteraction) error {
	if err := m.db.WithContext(ctx).Create(interaction).Error; err != nil {
		return fmt.Errorf("创建交互记录失败 (user_id=%s, job_id=%s): %w", interaction.UserID, interaction.JobID, err)
	}
	return nil
}

// UpdateInteraction 整体覆盖已匹配键上的交互记录，不做字段级局部更新
func (m *MySQL) UpdateInteraction(ctx context.Context, interaction *models.JobInteraction) error {
	err := m.db.WithContext(ctx).
		Model(&models.JobInteraction{}).
		Where("user_id = ? AND job_id = ?", interaction.UserID, interaction.JobID).
		Updates(map[string]interface{}{
			"is_pinned":      interaction.IsPinned,
			"is_saved":       interaction.IsSaved,
			"has_follow_up":  interaction.HasFollowUp,
			"follow_up_data": interaction.FollowUpData,
		}).Error
	if err != nil {
		return fmt.Errorf("更新交互记录失败 (user_id=%s, job_id=%s): %w", interaction.UserID, interaction.JobID, err)
	}
	return nil
}

// UpsertScheduledNotification 写入或替换待触发的跟进通知。
// 同一 (user_id, job_id) 只保留一条：重新安排时旧任务被覆盖为新的触发时间
// 和载荷，状态重置为PENDING，即取消并替换。
func (m *MySQL) UpsertScheduledNotification(ctx context.Context, n *models.ScheduledNotification) error {
	err := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "job_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"fire_at":       n.FireAt,
				"payload":       n.Payload,
				"status":        models.NotificationStatusPending,
				"retry_count":   0,
				"processed_at":  nil,
				"error_message": "",
			}),
		}).
		Create(n).Error
	if err != nil {
		return fmt.Errorf("写入延迟通知失败 (user_id=%s, job_id=%s): %w", n.UserID, n.JobID, err)
	}
	return nil
}

// DispatchDueNotifications 在单个事务内锁定一批到期的PENDING通知，交给handle
// 处理后把行上的状态变更写回并提交。`FOR UPDATE SKIP LOCKED` 跳过其他实例
// 已锁定的行，多实例并发调度不会重复处理同一条通知。
// handle对batch中行的修改在事务提交时一并持久化；任何一行写回失败都会
// 回滚整个事务，交给下一轮轮询重新拾取。
func (m *MySQL) DispatchDueNotifications(ctx context.Context, now time.Time, limit int, handle func(batch []models.ScheduledNotification)) (int, error) {
	tx := m.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, tx.Error
	}
	defer tx.Rollback() // 事务已提交时回滚是无操作的

	var batch []models.ScheduledNotification
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND fire_at <= ?", models.NotificationStatusPending, now).
		Order("fire_at asc").
		Limit(limit).
		Find(&batch).Error
	if err != nil {
		return 0, fmt.Errorf("查询到期通知失败: %w", err)
	}

	if len(batch) == 0 {
		return 0, tx.Commit().Error
	}

	handle(batch)

	for i := range batch {
		if err := tx.Save(&batch[i]).Error; err != nil {
			return 0, fmt.Errorf("更新通知状态失败 (id=%d): %w", batch[i].ID, err)
		}
	}

	return len(batch), tx.Commit().Error
}
