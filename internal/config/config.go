/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * Money-bearing settings (tax rate, tier thresholds, earn rate and multipliers) are read as
 * strings and parsed with shopspring/decimal so no value goes through a float.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: exact decimal parsing for rates.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/cafepos/sale-service/internal/loyalty"
	"github.com/cafepos/sale-service/internal/pricing"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultRateLimitPrefix  = "cafepos:rate_limit"
	defaultValidateLimit    = 30
	defaultCurrencyExponent = 2
	maxCurrencyExponent     = 4
	defaultTierMultipliers  = "BRONZE:1,SILVER:1.25,GOLD:1.5,PLATINUM:2"
)

// Config holds all the configuration variables for the sale-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                         string `mapstructure:"SERVER_PORT"`
	DatabaseURL                        string `mapstructure:"DATABASE_URL"`
	RunMigrations                      bool   `mapstructure:"RUN_MIGRATIONS"`
	MigrationsPath                     string `mapstructure:"MIGRATIONS_PATH"`
	RedisURL                           string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix               string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	DiscountValidateRateLimitPerMinute int    `mapstructure:"DISCOUNT_VALIDATE_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                        string `mapstructure:"RABBITMQ_URL"`
	EventsExchange                     string `mapstructure:"EVENTS_EXCHANGE"`
	RefundRequestQueue                 string `mapstructure:"REFUND_REQUEST_QUEUE"`
	JWKSURL                            string `mapstructure:"JWKS_URL"`
	JWTAudience                        string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer                          string `mapstructure:"JWT_ISSUER"`
	CORSAllowedOrigins                 string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	TaxRateRaw              string `mapstructure:"TAX_RATE"`
	CurrencyExponent        int    `mapstructure:"CURRENCY_EXPONENT"`
	LoyaltyEarnRateRaw      string `mapstructure:"LOYALTY_EARN_RATE"`
	SilverSpendRaw          string `mapstructure:"LOYALTY_TIER_SILVER_SPEND"`
	GoldSpendRaw            string `mapstructure:"LOYALTY_TIER_GOLD_SPEND"`
	PlatinumSpendRaw        string `mapstructure:"LOYALTY_TIER_PLATINUM_SPEND"`
	SilverVisits            int    `mapstructure:"LOYALTY_TIER_SILVER_VISITS"`
	GoldVisits              int    `mapstructure:"LOYALTY_TIER_GOLD_VISITS"`
	PlatinumVisits          int    `mapstructure:"LOYALTY_TIER_PLATINUM_VISITS"`
	TierMultipliersRaw      string `mapstructure:"LOYALTY_TIER_MULTIPLIERS"`
	LoyaltyPointsExpiryDays int    `mapstructure:"LOYALTY_POINTS_EXPIRY_DAYS"`

	PromotionSweepSchedule string `mapstructure:"PROMOTION_SWEEP_SCHEDULE"`
	CampaignStatusSchedule string `mapstructure:"CAMPAIGN_STATUS_SCHEDULE"`
	LoyaltyExpirySchedule  string `mapstructure:"LOYALTY_EXPIRY_SCHEDULE"`

	// Parsed values.
	TaxRate         decimal.Decimal                        `mapstructure:"-"`
	LoyaltyEarnRate decimal.Decimal                        `mapstructure:"-"`
	TierSpend       map[domain.LoyaltyTier]decimal.Decimal `mapstructure:"-"`
	TierMultipliers map[domain.LoyaltyTier]decimal.Decimal `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.SetDefault("MIGRATIONS_PATH", "file://migrations")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("DISCOUNT_VALIDATE_RATE_LIMIT_PER_MINUTE", defaultValidateLimit)
	viper.SetDefault("EVENTS_EXCHANGE", "cafepos.events")
	viper.SetDefault("REFUND_REQUEST_QUEUE", "sale_service.refund_requests")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "https://*,http://*")
	viper.SetDefault("TAX_RATE", "0")
	viper.SetDefault("CURRENCY_EXPONENT", defaultCurrencyExponent)
	viper.SetDefault("LOYALTY_EARN_RATE", "1")
	viper.SetDefault("LOYALTY_TIER_SILVER_SPEND", "100")
	viper.SetDefault("LOYALTY_TIER_GOLD_SPEND", "500")
	viper.SetDefault("LOYALTY_TIER_PLATINUM_SPEND", "1500")
	viper.SetDefault("LOYALTY_TIER_SILVER_VISITS", 0)
	viper.SetDefault("LOYALTY_TIER_GOLD_VISITS", 0)
	viper.SetDefault("LOYALTY_TIER_PLATINUM_VISITS", 0)
	viper.SetDefault("LOYALTY_TIER_MULTIPLIERS", defaultTierMultipliers)
	viper.SetDefault("LOYALTY_POINTS_EXPIRY_DAYS", 0)
	viper.SetDefault("PROMOTION_SWEEP_SCHEDULE", "@every 5m")
	viper.SetDefault("CAMPAIGN_STATUS_SCHEDULE", "@every 1m")
	viper.SetDefault("LOYALTY_EXPIRY_SCHEDULE", "@daily")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "PORT", "DATABASE_URL", "RUN_MIGRATIONS", "MIGRATIONS_PATH",
		"REDIS_RATE_LIMIT_PREFIX", "DISCOUNT_VALIDATE_RATE_LIMIT_PER_MINUTE",
		"RABBITMQ_URL", "EVENTS_EXCHANGE", "REFUND_REQUEST_QUEUE",
		"JWT_AUDIENCE", "JWT_ISSUER", "CORS_ALLOWED_ORIGINS",
		"TAX_RATE", "CURRENCY_EXPONENT", "LOYALTY_EARN_RATE",
		"LOYALTY_TIER_SILVER_SPEND", "LOYALTY_TIER_GOLD_SPEND", "LOYALTY_TIER_PLATINUM_SPEND",
		"LOYALTY_TIER_SILVER_VISITS", "LOYALTY_TIER_GOLD_VISITS", "LOYALTY_TIER_PLATINUM_VISITS",
		"LOYALTY_TIER_MULTIPLIERS", "LOYALTY_POINTS_EXPIRY_DAYS",
		"PROMOTION_SWEEP_SCHEDULE", "CAMPAIGN_STATUS_SCHEDULE", "LOYALTY_EXPIRY_SCHEDULE",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SALE_REDIS_URL")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	if config.DiscountValidateRateLimitPerMinute <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive discount validation limit; using default\" value=%d", config.DiscountValidateRateLimitPerMinute)
		config.DiscountValidateRateLimitPerMinute = defaultValidateLimit
	}

	config.TaxRate = parseDecimal("TAX_RATE", config.TaxRateRaw, decimal.Zero)
	if config.TaxRate.Sign() < 0 || config.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		log.Printf("level=warn component=config msg=\"tax rate out of range; coercing to zero\" tax_rate=%s", config.TaxRate)
		config.TaxRate = decimal.Zero
	}

	if config.CurrencyExponent < 0 || config.CurrencyExponent > maxCurrencyExponent {
		log.Printf("level=warn component=config msg=\"currency exponent out of range; using default\" value=%d", config.CurrencyExponent)
		config.CurrencyExponent = defaultCurrencyExponent
	}

	config.LoyaltyEarnRate = parseDecimal("LOYALTY_EARN_RATE", config.LoyaltyEarnRateRaw, decimal.NewFromInt(1))
	if config.LoyaltyEarnRate.Sign() < 0 {
		log.Printf("level=warn component=config msg=\"negative loyalty earn rate; coercing to zero\" earn_rate=%s", config.LoyaltyEarnRate)
		config.LoyaltyEarnRate = decimal.Zero
	}

	config.TierSpend = map[domain.LoyaltyTier]decimal.Decimal{
		domain.TierSilver:   nonNegative("LOYALTY_TIER_SILVER_SPEND", parseDecimal("LOYALTY_TIER_SILVER_SPEND", config.SilverSpendRaw, decimal.NewFromInt(100))),
		domain.TierGold:     nonNegative("LOYALTY_TIER_GOLD_SPEND", parseDecimal("LOYALTY_TIER_GOLD_SPEND", config.GoldSpendRaw, decimal.NewFromInt(500))),
		domain.TierPlatinum: nonNegative("LOYALTY_TIER_PLATINUM_SPEND", parseDecimal("LOYALTY_TIER_PLATINUM_SPEND", config.PlatinumSpendRaw, decimal.NewFromInt(1500))),
	}
	for _, v := range []*int{&config.SilverVisits, &config.GoldVisits, &config.PlatinumVisits} {
		if *v < 0 {
			*v = 0
		}
	}

	config.TierMultipliers = parseMultipliers(config.TierMultipliersRaw)

	if config.LoyaltyPointsExpiryDays < 0 {
		log.Printf("level=warn component=config msg=\"negative points expiry; disabling\" value=%d", config.LoyaltyPointsExpiryDays)
		config.LoyaltyPointsExpiryDays = 0
	}

	return
}

// PricingEngine builds the pricing engine for the configured tax rate.
func (c Config) PricingEngine() *pricing.Engine {
	return pricing.NewEngine(c.TaxRate)
}

// LoyaltyPolicy builds the earning and tiering policy. Spend thresholds are configured in major
// units and converted to minor units here.
func (c Config) LoyaltyPolicy() loyalty.Policy {
	exp := int32(c.CurrencyExponent)
	return loyalty.Policy{
		EarnRate:         c.LoyaltyEarnRate,
		CurrencyExponent: exp,
		Thresholds: []loyalty.Threshold{
			{Tier: domain.TierBronze},
			{Tier: domain.TierSilver, MinSpent: pricing.MajorToMinor(c.TierSpend[domain.TierSilver], exp), MinVisits: c.SilverVisits},
			{Tier: domain.TierGold, MinSpent: pricing.MajorToMinor(c.TierSpend[domain.TierGold], exp), MinVisits: c.GoldVisits},
			{Tier: domain.TierPlatinum, MinSpent: pricing.MajorToMinor(c.TierSpend[domain.TierPlatinum], exp), MinVisits: c.PlatinumVisits},
		},
		Multipliers: c.TierMultipliers,
	}.Normalize()
}

// CORSOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) CORSOrigins() []string {
	origins := make([]string, 0)
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func parseDecimal(key, raw string, fallback decimal.Decimal) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid decimal; using default\" key=%s value=%q err=%v", key, raw, err)
		return fallback
	}
	return value
}

func nonNegative(key string, value decimal.Decimal) decimal.Decimal {
	if value.Sign() < 0 {
		log.Printf("level=warn component=config msg=\"negative value; coercing to zero\" key=%s value=%s", key, value)
		return decimal.Zero
	}
	return value
}

// parseMultipliers reads "TIER:factor" pairs. Unknown tiers and non-positive factors are skipped;
// tiers left unset earn at 1.
func parseMultipliers(raw string) map[domain.LoyaltyTier]decimal.Decimal {
	out := make(map[domain.LoyaltyTier]decimal.Decimal, len(domain.Tiers))
	if strings.TrimSpace(raw) == "" {
		raw = defaultTierMultipliers
	}
	for _, pair := range strings.Split(raw, ",") {
		name, factor, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			log.Printf("level=warn component=config msg=\"malformed tier multiplier\" pair=%q", pair)
			continue
		}
		tier := domain.LoyaltyTier(strings.ToUpper(strings.TrimSpace(name)))
		if !tier.Valid() {
			log.Printf("level=warn component=config msg=\"unknown tier in multipliers\" tier=%q", name)
			continue
		}
		value, err := decimal.NewFromString(strings.TrimSpace(factor))
		if err != nil || value.Sign() <= 0 {
			log.Printf("level=warn component=config msg=\"invalid tier multiplier\" tier=%s value=%q", tier, factor)
			continue
		}
		out[tier] = value
	}
	return out
}
