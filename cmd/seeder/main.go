//cmd/seeder/main.go
package main

import (
    "context"
    "fmt"
    "os"

    "github.com/rs/zerolog/log"

    "github.com/unclebandit/newsletter-backend/internal/config"
    "github.com/unclebandit/newsletter-backend/internal/db"
    "github.com/unclebandit/newsletter-backend/internal/logger"
    "github.com/unclebandit/newsletter-backend/internal/repository"
)

func main() {
    cfg := config.Load()
    logger.Setup(cfg.LogLevel, true)
    ctx := context.Background()

    conn, err := db.Open(cfg.DB)
    if err != nil {
        log.Fatal().Err(err).Msg("failed to connect to DB")
    }
    defer conn.Close()

    if err := db.Migrate(ctx, conn); err != nil {
        log.Fatal().Err(err).Msg("failed to apply schema")
    }
    fmt.Println("Schema applied")

    settingsRepo := &repository.SettingsRepository{DB: conn}
    stored, err := settingsRepo.Get(ctx)
    if err != nil {
        log.Fatal().Err(err).Msg("failed to read newsletter settings")
    }
    if stored == nil {
        if err := settingsRepo.Save(ctx, cfg.Newsletter); err != nil {
            log.Fatal().Err(err).Msg("failed to seed newsletter settings")
        }
        fmt.Println("Seeded: default newsletter settings")
    }

    seedFiles := []string{
        "seed/newsletters.sql",
    }

    for _, file := range seedFiles {
        content, err := os.ReadFile(file)
        if err != nil {
            log.Fatal().Err(err).Str("file", file).Msg("failed to read seed file")
        }

        if _, err := conn.ExecContext(ctx, string(content)); err != nil {
            log.Fatal().Err(err).Str("file", file).Msg("failed to execute seed file")
        }
        fmt.Printf("Seeded: %s\n", file)
    }

    fmt.Println("Database seeding completed successfully!")
}
