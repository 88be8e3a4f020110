package domain

import "errors"

var (
	ErrInvalidSignal   = errors.New("invalid signal")
	ErrInvalidLevels   = errors.New("invalid levels")
	ErrBotNotFound     = errors.New("bot config not found")
	ErrBotRunning      = errors.New("bot is running")
	ErrGroupNotFound   = errors.New("position group not found")
	ErrTradeNotFound   = errors.New("trade not found")
	ErrSlotsExhausted  = errors.New("max concurrent groups reached")
	ErrNotConnected    = errors.New("gateway not connected")
	ErrVolumeTooSmall  = errors.New("volume below instrument minimum")
	ErrStatusNotTermed = errors.New("status is not terminal")
)
