package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/passerr"
)

const (
	fieldPassType  = "passTypeId"
	fieldPushToken = "pushToken"

	// unregisterAttempts bounds optimistic-lock retries.
	unregisterAttempts = 5
)

// Redis is a Store backed by a Redis server. Keys share a configurable
// prefix:
//
//	{prefix}device:{id}                 hash {passTypeId, pushToken}
//	{prefix}device:{id}:serials         set of serials
//	{prefix}serial:{serial}:devices     set of device ids
//	{prefix}devices                     set of device ids
//	{prefix}mapping:{serial}            JSON mapping
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to the server named in cfg and checks it with PING.
func OpenRedis(ctx context.Context, cfg config.Store) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, passerr.New(passerr.KindConfiguration, "registry.OpenRedis", cfg.RedisAddr, fmt.Errorf("redis ping failed: %w", err))
	}
	return NewRedis(client, cfg.RedisPrefix), nil
}

// NewRedis wraps an existing client. Close closes the client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) deviceKey(device string) string { return r.prefix + "device:" + device }
func (r *Redis) serialsKey(device string) string { return r.prefix + "device:" + device + ":serials" }
func (r *Redis) reverseKey(serial string) string { return r.prefix + "serial:" + serial + ":devices" }
func (r *Redis) devicesKey() string { return r.prefix + "devices" }
func (r *Redis) mappingKey(serial string) string { return r.prefix + "mapping:" + serial }

func (r *Redis) RegisterDevice(ctx context.Context, device, passType, serial, pushToken string) (bool, error) {
	const op = "registry.RegisterDevice"
	if err := validateKey(op, map[string]string{"device": device, "passType": passType, "serial": serial}); err != nil {
		return false, err
	}

	fields := map[string]any{fieldPassType: passType}
	if pushToken != "" {
		fields[fieldPushToken] = pushToken
	}

	var added *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.deviceKey(device), fields)
		added = pipe.SAdd(ctx, r.serialsKey(device), serial)
		pipe.SAdd(ctx, r.reverseKey(serial), device)
		pipe.SAdd(ctx, r.devicesKey(), device)
		return nil
	})
	if err != nil {
		return false, persistenceError(op, fmt.Errorf("registering %s/%s: %w", device, serial, err))
	}
	return added.Val() == 1, nil
}

func (r *Redis) ListSerials(ctx context.Context, device, passType string) ([]string, error) {
	const op = "registry.ListSerials"
	pt, err := r.client.HGet(ctx, r.deviceKey(device), fieldPassType).Result()
	if errors.Is(err, redis.Nil) {
		return []string{}, nil
	}
	if err != nil {
		return nil, persistenceError(op, fmt.Errorf("reading device %s: %w", device, err))
	}
	if pt != passType {
		return []string{}, nil
	}

	serials, err := r.client.SMembers(ctx, r.serialsKey(device)).Result()
	if err != nil {
		return nil, persistenceError(op, fmt.Errorf("listing serials for %s: %w", device, err))
	}
	slices.Sort(serials)
	return serials, nil
}

func (r *Redis) UnregisterDevice(ctx context.Context, device, passType, serial string) error {
	const op = "registry.UnregisterDevice"
	deviceKey, serialsKey := r.deviceKey(device), r.serialsKey(device)

	txf := func(tx *redis.Tx) error {
		pt, err := tx.HGet(ctx, deviceKey, fieldPassType).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if pt != passType {
			return nil
		}
		count, err := tx.SCard(ctx, serialsKey).Result()
		if err != nil {
			return err
		}
		member, err := tx.SIsMember(ctx, serialsKey, serial).Result()
		if err != nil {
			return err
		}
		remaining := count
		if member {
			remaining--
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, serialsKey, serial)
			pipe.SRem(ctx, r.reverseKey(serial), device)
			if remaining <= 0 {
				pipe.Del(ctx, deviceKey, serialsKey)
				pipe.SRem(ctx, r.devicesKey(), device)
			}
			return nil
		})
		return err
	}

	var err error
	for range unregisterAttempts {
		err = r.client.Watch(ctx, txf, deviceKey, serialsKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return persistenceError(op, fmt.Errorf("unregistering %s/%s: %w", device, serial, err))
	}
	return nil
}

func (r *Redis) SaveMapping(ctx context.Context, m Mapping) error {
	const op = "registry.SaveMapping"
	if err := validateKey(op, map[string]string{"serial": m.Serial}); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return persistenceError(op, fmt.Errorf("encoding mapping %s: %w", m.Serial, err))
	}
	if err := r.client.Set(ctx, r.mappingKey(m.Serial), data, 0).Err(); err != nil {
		return persistenceError(op, fmt.Errorf("saving mapping %s: %w", m.Serial, err))
	}
	return nil
}

func (r *Redis) GetMapping(ctx context.Context, serial string) (*Mapping, error) {
	const op = "registry.GetMapping"
	data, err := r.client.Get(ctx, r.mappingKey(serial)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError(op, fmt.Errorf("reading mapping %s: %w", serial, err))
	}
	var m Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, persistenceError(op, fmt.Errorf("decoding mapping %s: %w", serial, err))
	}
	return &m, nil
}

func (r *Redis) RegistrationsForSerials(ctx context.Context, serials []string) ([]Registration, error) {
	const op = "registry.RegistrationsForSerials"

	// device id -> serials of interest
	bindings := make(map[string][]string)
	if len(serials) == 0 {
		devices, err := r.client.SMembers(ctx, r.devicesKey()).Result()
		if err != nil {
			return nil, persistenceError(op, fmt.Errorf("listing devices: %w", err))
		}
		for _, device := range devices {
			owned, err := r.client.SMembers(ctx, r.serialsKey(device)).Result()
			if err != nil {
				return nil, persistenceError(op, fmt.Errorf("listing serials for %s: %w", device, err))
			}
			bindings[device] = owned
		}
	} else {
		for _, serial := range serials {
			devices, err := r.client.SMembers(ctx, r.reverseKey(serial)).Result()
			if err != nil {
				return nil, persistenceError(op, fmt.Errorf("listing devices for %s: %w", serial, err))
			}
			for _, device := range devices {
				bindings[device] = append(bindings[device], serial)
			}
		}
	}

	var regs []Registration
	for device, owned := range bindings {
		fields, err := r.client.HGetAll(ctx, r.deviceKey(device)).Result()
		if err != nil {
			return nil, persistenceError(op, fmt.Errorf("reading device %s: %w", device, err))
		}
		if len(fields) == 0 {
			// Removed between the index read and now.
			continue
		}
		for _, serial := range owned {
			regs = append(regs, Registration{
				DeviceID:   device,
				PassTypeID: fields[fieldPassType],
				PushToken:  fields[fieldPushToken],
				Serial:     serial,
			})
		}
	}
	sortRegistrations(regs)
	return regs, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
