package main

import (
	"fmt"
	"log"
	"strings"

	"clearnode/internal/config"
	"clearnode/internal/db"
)

func main() {
	fmt.Println("🔍 Verifying database connection and clearnode tables...")
	fmt.Println(strings.Repeat("=", 60))

	if err := config.LoadConfig(""); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if config.AppConfig.Database.Driver != "postgres" {
		log.Fatalf("database driver is %q, nothing to verify", config.AppConfig.Database.Driver)
	}

	database, err := db.InitDB(config.AppConfig.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		log.Fatalf("Failed to get database connection: %v", err)
	}
	defer sqlDB.Close()

	var dbName string
	if err := sqlDB.QueryRow("SELECT current_database()").Scan(&dbName); err != nil {
		log.Fatalf("Failed to get database name: %v", err)
	}
	fmt.Printf("📋 Connected to database: %s\n", dbName)

	missing := 0
	for _, model := range db.Models() {
		if !database.Migrator().HasTable(model) {
			fmt.Printf("❌ table for %T does not exist\n", model)
			missing++
			continue
		}
		var count int64
		if err := database.Model(model).Count(&count).Error; err != nil {
			fmt.Printf("❌ %T: %v\n", model, err)
			missing++
			continue
		}
		fmt.Printf("✅ %-28T %d row(s)\n", model, count)
	}

	if missing > 0 {
		log.Fatalf("%d table(s) missing or unreadable", missing)
	}
	fmt.Println("✅ Database looks healthy")
}
