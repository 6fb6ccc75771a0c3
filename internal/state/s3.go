package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/strata-io/strata/internal/ir"
)

// S3Config configures the S3 snapshot store. Locking and the serial
// compare-and-swap both live in the DynamoDB table, so it is required.
type S3Config struct {
	Bucket  string
	Prefix  string
	Region  string
	Table   string
	Profile string
	Encrypt bool
}

// S3Store keeps snapshots as S3 objects and coordinates writers through
// DynamoDB items: one lock item and one serial item per environment.
type S3Store struct {
	bucket     string
	prefix     string
	table      string
	encrypt    bool
	staleAfter time.Duration

	s3Client *s3.Client
	dbClient *dynamodb.Client
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 store requires 'bucket' configuration")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("s3 store requires 'table' configuration for locking")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "strata"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &S3Store{
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		table:      cfg.Table,
		encrypt:    cfg.Encrypt,
		staleAfter: staleLockAfter,
		s3Client:   s3.NewFromConfig(awsCfg),
		dbClient:   dynamodb.NewFromConfig(awsCfg),
	}, nil
}

func (s *S3Store) objectKey(env string) string {
	return fmt.Sprintf("%s/%s.json", s.prefix, env)
}

func (s *S3Store) lockKey(env string) string {
	return fmt.Sprintf("%s/%s.lock", s.prefix, env)
}

func (s *S3Store) serialKey(env string) string {
	return fmt.Sprintf("%s/%s.serial", s.prefix, env)
}

func (s *S3Store) Read(ctx context.Context, environment string) (*ir.Snapshot, error) {
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(environment)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("environment %q: %w", environment, ErrNotFound)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			return nil, fmt.Errorf("environment %q: %w", environment, ErrNotFound)
		}
		return nil, fmt.Errorf("reading snapshot from s3://%s/%s: %w", s.bucket, s.objectKey(environment), err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	return openSnapshot(buf.Bytes())
}

// Write advances the serial item in DynamoDB conditionally, then puts
// the snapshot object. The conditional update is the actual
// compare-and-swap; a concurrent writer loses it and gets ConflictError.
func (s *S3Store) Write(ctx context.Context, environment string, snap *ir.Snapshot, expectedPriorSerial uint64) error {
	cond := "#s = :expected"
	if expectedPriorSerial == 0 {
		cond = "attribute_not_exists(LockID) OR #s = :expected"
	}
	_, err := s.dbClient.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.serialKey(environment)},
		},
		UpdateExpression:    aws.String("SET #s = :next"),
		ConditionExpression: aws.String(cond),
		ExpressionAttributeNames: map[string]string{
			"#s": "Serial",
		},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":next":     &dbtypes.AttributeValueMemberN{Value: strconv.FormatUint(snap.Serial, 10)},
			":expected": &dbtypes.AttributeValueMemberN{Value: strconv.FormatUint(expectedPriorSerial, 10)},
		},
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			actual, rerr := s.currentSerial(ctx, environment)
			if rerr != nil {
				actual = 0
			}
			return &ConflictError{Environment: environment, Expected: expectedPriorSerial, Actual: actual}
		}
		return fmt.Errorf("advancing serial for %q: %w", environment, err)
	}

	data, err := sealSnapshot(snap)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(environment)),
		Body:   bytes.NewReader(data),
	}
	if s.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}
	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("writing snapshot to s3://%s/%s: %w", s.bucket, s.objectKey(environment), err)
	}
	return nil
}

func (s *S3Store) currentSerial(ctx context.Context, environment string) (uint64, error) {
	out, err := s.dbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]dbtypes.AttributeValue{"LockID": &dbtypes.AttributeValueMemberS{Value: s.serialKey(environment)}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, err
	}
	n, ok := out.Item["Serial"].(*dbtypes.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	return strconv.ParseUint(n.Value, 10, 64)
}

func (s *S3Store) AcquireLock(ctx context.Context, environment, holder string, timeout time.Duration) (*Lock, error) {
	return pollLock(ctx, timeout, func(ctx context.Context) (*Lock, error) {
		return s.tryLock(ctx, environment, holder)
	})
}

func (s *S3Store) tryLock(ctx context.Context, environment, holder string) (*Lock, error) {
	lock := &Lock{
		ID:          uuid.NewString(),
		Environment: environment,
		Holder:      holder,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: s.lockKey(environment)},
			"ID":      &dbtypes.AttributeValueMemberS{Value: lock.ID},
			"Holder":  &dbtypes.AttributeValueMemberS{Value: lock.Holder},
			"Created": &dbtypes.AttributeValueMemberS{Value: lock.CreatedAt.Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err == nil {
		return lock, nil
	}
	var ccf *dbtypes.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return nil, fmt.Errorf("acquiring lock for %q: %w", environment, err)
	}

	out, gerr := s.dbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]dbtypes.AttributeValue{"LockID": &dbtypes.AttributeValueMemberS{Value: s.lockKey(environment)}},
		ConsistentRead: aws.Bool(true),
	})
	if gerr != nil || out.Item == nil {
		return nil, &LockHeldError{Environment: environment, Holder: "unknown"}
	}

	held := &LockHeldError{Environment: environment, Holder: stringAttr(out.Item, "Holder")}
	if created, perr := time.Parse(time.RFC3339, stringAttr(out.Item, "Created")); perr == nil {
		held.Since = created
		if time.Since(created) > s.staleAfter {
			s.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:           aws.String(s.table),
				Key:                 map[string]dbtypes.AttributeValue{"LockID": &dbtypes.AttributeValueMemberS{Value: s.lockKey(environment)}},
				ConditionExpression: aws.String("#id = :id"),
				ExpressionAttributeNames: map[string]string{
					"#id": "ID",
				},
				ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
					":id": &dbtypes.AttributeValueMemberS{Value: stringAttr(out.Item, "ID")},
				},
			})
		}
	}
	return nil, held
}

func (s *S3Store) ReleaseLock(ctx context.Context, lock *Lock) error {
	_, err := s.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 map[string]dbtypes.AttributeValue{"LockID": &dbtypes.AttributeValueMemberS{Value: s.lockKey(lock.Environment)}},
		ConditionExpression: aws.String("#id = :id"),
		ExpressionAttributeNames: map[string]string{
			"#id": "ID",
		},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":id": &dbtypes.AttributeValueMemberS{Value: lock.ID},
		},
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("lock for environment %q is not held by this run", lock.Environment)
		}
		return fmt.Errorf("releasing lock for %q: %w", lock.Environment, err)
	}
	return nil
}

func (s *S3Store) Environments(ctx context.Context) ([]string, error) {
	var envs []string
	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing environments in s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			envs = append(envs, strings.TrimSuffix(path.Base(key), ".json"))
		}
	}
	sort.Strings(envs)
	return envs, nil
}

func (s *S3Store) Close() error { return nil }

func stringAttr(item map[string]dbtypes.AttributeValue, name string) string {
	if v, ok := item[name].(*dbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
