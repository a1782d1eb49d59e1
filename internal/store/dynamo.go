package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/bbeesley/temperature-logger/internal/models"
)

// DynamoStore persists measurements in a DynamoDB table with partition key
// "logger" (string) and sort key "timestamp" (number, epoch millis). The
// table itself is provisioned out of band.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
}

func NewDynamoStore(ctx context.Context, tableName string) (*DynamoStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &DynamoStore{
		client: dynamodb.NewFromConfig(cfg),
		table:  tableName,
	}, nil
}

func (s *DynamoStore) Put(ctx context.Context, m models.Measurement) error {
	item := map[string]types.AttributeValue{
		"logger":    &types.AttributeValueMemberS{Value: m.DeviceID},
		"timestamp": &types.AttributeValueMemberN{Value: strconv.FormatInt(m.Timestamp, 10)},
	}
	setNumber(item, "temperature", m.Temperature)
	setNumber(item, "humidity", m.Humidity)
	setNumber(item, "pressure", m.Pressure)
	setNumber(item, "charge", m.Charge)

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	return err
}

func (s *DynamoStore) QueryByDevice(ctx context.Context, deviceID string, limit int, descending bool) ([]models.Measurement, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#logger = :logger"),
		ExpressionAttributeNames: map[string]string{
			"#logger": "logger",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":logger": &types.AttributeValueMemberS{Value: deviceID},
		},
		// descending reads the partition newest first, which is what makes
		// Limit=1 the latest reading
		ScanIndexForward: aws.Bool(!descending),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	var records []models.Measurement
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			m, err := itemToMeasurement(item)
			if err != nil {
				return nil, err
			}
			records = append(records, m)
		}
		if limit > 0 && len(records) >= limit {
			return records[:limit], nil
		}
		if out.LastEvaluatedKey == nil {
			return records, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) ScanAll(ctx context.Context) ([]models.Measurement, error) {
	var records []models.Measurement
	input := &dynamodb.ScanInput{TableName: aws.String(s.table)}
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			m, err := itemToMeasurement(item)
			if err != nil {
				return nil, err
			}
			records = append(records, m)
		}
		if out.LastEvaluatedKey == nil {
			return records, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) ScanPage(ctx context.Context, limit int, endAt string) (Page, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.table)}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}
	if endAt != "" {
		key, err := decodePageKey(endAt)
		if err != nil {
			return Page{}, err
		}
		input.ExclusiveStartKey = map[string]types.AttributeValue{
			"logger":    &types.AttributeValueMemberS{Value: key.Logger},
			"timestamp": &types.AttributeValueMemberN{Value: strconv.FormatInt(key.Timestamp, 10)},
		}
	}

	out, err := s.client.Scan(ctx, input)
	if err != nil {
		return Page{}, err
	}

	page := Page{Items: make([]models.Measurement, 0, len(out.Items))}
	for _, item := range out.Items {
		m, err := itemToMeasurement(item)
		if err != nil {
			return Page{}, err
		}
		page.Items = append(page.Items, m)
	}
	if out.LastEvaluatedKey != nil {
		last, err := itemToMeasurement(out.LastEvaluatedKey)
		if err != nil {
			return Page{}, err
		}
		token, err := encodePageKey(pageKey{Logger: last.DeviceID, Timestamp: last.Timestamp})
		if err != nil {
			return Page{}, err
		}
		page.EndAt = token
	}
	return page, nil
}

func setNumber(item map[string]types.AttributeValue, name string, v *float64) {
	if v == nil {
		return
	}
	item[name] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(*v, 'f', -1, 64)}
}

func itemToMeasurement(item map[string]types.AttributeValue) (models.Measurement, error) {
	var m models.Measurement

	logger, ok := item["logger"].(*types.AttributeValueMemberS)
	if !ok {
		return m, fmt.Errorf("item is missing logger attribute")
	}
	m.DeviceID = logger.Value

	ts, ok := item["timestamp"].(*types.AttributeValueMemberN)
	if !ok {
		return m, fmt.Errorf("item is missing timestamp attribute")
	}
	parsed, err := strconv.ParseInt(ts.Value, 10, 64)
	if err != nil {
		return m, fmt.Errorf("parsing timestamp attribute: %w", err)
	}
	m.Timestamp = parsed

	if m.Temperature, err = getNumber(item, "temperature"); err != nil {
		return m, err
	}
	if m.Humidity, err = getNumber(item, "humidity"); err != nil {
		return m, err
	}
	if m.Pressure, err = getNumber(item, "pressure"); err != nil {
		return m, err
	}
	if m.Charge, err = getNumber(item, "charge"); err != nil {
		return m, err
	}
	return m, nil
}

func getNumber(item map[string]types.AttributeValue, name string) (*float64, error) {
	av, ok := item[name]
	if !ok {
		return nil, nil
	}
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return nil, fmt.Errorf("attribute %s is not a number", name)
	}
	v, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing attribute %s: %w", name, err)
	}
	return &v, nil
}
