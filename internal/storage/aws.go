package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ignite/ses-bulk-mailer/internal/config"
	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
)

const (
	summarySK  = "SUMMARY"
	summaryTTL = 90 * 24 * time.Hour
)

// S3API is the subset of *s3.Client used here.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// DynamoAPI is the subset of *dynamodb.Client used here.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// summaryItem is the DynamoDB row of a run.
type summaryItem struct {
	PK    string `dynamodbav:"PK"`
	SK    string `dynamodbav:"SK"`
	S3Key string `dynamodbav:"S3Key"`
	Summary
	TTL int64 `dynamodbav:"TTL,omitempty"`
}

// AWSStore writes the full report to S3 and a summary row to DynamoDB.
type AWSStore struct {
	s3        S3API
	dynamoDB  DynamoAPI
	bucket    string
	tableName string
	now       func() time.Time
}

// NewAWSStore loads AWS config with the optional shared profile.
func NewAWSStore(ctx context.Context, cfg config.StorageConfig) (*AWSStore, error) {
	if cfg.S3Bucket == "" || cfg.DynamoDBTable == "" {
		return nil, errors.New("aws storage needs s3_bucket and dynamodb_table")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if profile := cfg.GetAWSProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return NewAWSStoreWithClients(s3.NewFromConfig(awsCfg), dynamodb.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.DynamoDBTable), nil
}

func NewAWSStoreWithClients(s3Client S3API, dynamo DynamoAPI, bucket, table string) *AWSStore {
	return &AWSStore{s3: s3Client, dynamoDB: dynamo, bucket: bucket, tableName: table, now: time.Now}
}

func runPK(runID string) string { return "RUN#" + runID }

// reportKey places a run under its start date.
func reportKey(r *dispatch.Report) string {
	return fmt.Sprintf("reports/%s/%s.json", r.StartedAt.UTC().Format("2006/01/02"), r.RunID)
}

func (s *AWSStore) Save(ctx context.Context, r *dispatch.Report) error {
	if err := validRunID(r.RunID); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	key := reportKey(r)
	_, err = s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting object to S3: %w", err)
	}

	av, err := attributevalue.MarshalMap(summaryItem{
		PK:      runPK(r.RunID),
		SK:      summarySK,
		S3Key:   key,
		Summary: Summarize(r),
		TTL:     s.now().Add(summaryTTL).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	_, err = s.dynamoDB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting item to DynamoDB: %w", err)
	}
	return nil
}

func (s *AWSStore) Get(ctx context.Context, runID string) (*dispatch.Report, error) {
	if err := validRunID(runID); err != nil {
		return nil, ErrNotFound
	}

	item, err := s.dynamoDB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: runPK(runID)},
			"SK": &types.AttributeValueMemberS{Value: summarySK},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting item from DynamoDB: %w", err)
	}
	if len(item.Item) == 0 {
		return nil, ErrNotFound
	}

	var row summaryItem
	if err := attributevalue.UnmarshalMap(item.Item, &row); err != nil {
		return nil, fmt.Errorf("unmarshaling item: %w", err)
	}

	obj, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(row.S3Key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	var r dispatch.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling S3 data: %w", err)
	}
	return &r, nil
}

// List scans summary rows. Run volume is low enough that a filtered scan is
// fine; sorting happens client side.
func (s *AWSStore) List(ctx context.Context, limit int) ([]Summary, error) {
	var (
		out   []Summary
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.dynamoDB.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("SK = :sk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sk": &types.AttributeValueMemberS{Value: summarySK},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning DynamoDB: %w", err)
		}

		var rows []summaryItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, fmt.Errorf("unmarshaling items: %w", err)
		}
		for _, row := range rows {
			out = append(out, row.Summary)
		}

		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		start = page.LastEvaluatedKey
	}

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
