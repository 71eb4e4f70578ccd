package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/mealgram/mealgram/internal/config"
	"github.com/mealgram/mealgram/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// OTPService manages one-time codes for email verification. Codes live in
// Redis under a TTL and are stored bcrypt-hashed with an attempt counter.
type OTPService struct {
	client *redis.Client
	cfg    *config.OTPConfig
	logger *logrus.Logger
}

func NewOTPService(client *redis.Client, cfg *config.OTPConfig, logger *logrus.Logger) *OTPService {
	return &OTPService{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

func (s *OTPService) GenerateOTP(ctx context.Context, email string) (string, error) {
	otp, err := s.generateRandomOTP(s.cfg.Length)
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP: %w", err)
	}

	hashedOTP, err := bcrypt.GenerateFromPassword([]byte(otp), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash OTP: %w", err)
	}

	otpData := models.OTPData{
		OTPHash:   string(hashedOTP),
		Email:     email,
		Attempts:  0,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(s.cfg.Expiry),
	}

	dataJSON, err := json.Marshal(otpData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal OTP data: %w", err)
	}

	key := fmt.Sprintf("otp:%s", email)
	if err := s.client.Set(ctx, key, dataJSON, s.cfg.Expiry).Err(); err != nil {
		s.logger.WithError(err).Error("Failed to store OTP in Redis")
		return "", fmt.Errorf("failed to store OTP: %w", err)
	}

	// Delivery is the mail pipeline's job; log for development.
	s.logger.WithFields(logrus.Fields{
		"email": email,
		"otp":   otp,
	}).Info("OTP generated (logged for development)")

	return otp, nil
}

func (s *OTPService) VerifyOTP(ctx context.Context, email, otp string) (bool, error) {
	key := fmt.Sprintf("otp:%s", email)

	dataJSON, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, fmt.Errorf("OTP not found or expired")
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to get OTP from Redis")
		return false, fmt.Errorf("failed to get OTP: %w", err)
	}

	var otpData models.OTPData
	if err := json.Unmarshal([]byte(dataJSON), &otpData); err != nil {
		return false, fmt.Errorf("failed to unmarshal OTP data: %w", err)
	}

	if time.Now().After(otpData.ExpiresAt) {
		s.client.Del(ctx, key)
		return false, fmt.Errorf("OTP expired")
	}

	if otpData.Attempts >= s.cfg.MaxAttempts {
		s.client.Del(ctx, key)
		return false, fmt.Errorf("maximum attempts exceeded")
	}

	err = bcrypt.CompareHashAndPassword([]byte(otpData.OTPHash), []byte(otp))
	if err != nil {
		otpData.Attempts++
		updatedJSON, _ := json.Marshal(otpData)
		s.client.Set(ctx, key, updatedJSON, time.Until(otpData.ExpiresAt))
		return false, fmt.Errorf("invalid OTP")
	}

	// Verified codes are single-use.
	s.client.Del(ctx, key)
	return true, nil
}

func (s *OTPService) generateRandomOTP(length int) (string, error) {
	otp := ""
	for i := 0; i < length; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		otp += num.String()
	}
	return otp, nil
}
