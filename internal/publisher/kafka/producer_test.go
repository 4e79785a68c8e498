package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kgo.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

func TestProducerAppend(t *testing.T) {
	t.Parallel()

	writer := &mockWriter{}
	prod := NewProducerWithWriter(writer)
	rec := crawler.Record{
		URL:     "https://coinmarketcap.com/",
		Title:   "Prices",
		Columns: []string{"price"},
		Fields:  map[string][]string{"price": {"$1.00"}},
	}

	writer.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kgo.Message) bool {
		if len(msgs) != 1 || string(msgs[0].Key) != rec.URL {
			return false
		}
		var got crawler.Record
		if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
			return false
		}
		return got.Title == rec.Title && got.Values("price")[0] == "$1.00"
	})).Return(nil).Once()
	writer.On("Close").Return(nil).Once()

	require.NoError(t, prod.Append(context.Background(), rec))
	require.NoError(t, prod.Close())
	writer.AssertExpectations(t)
}

func TestProducerAppendError(t *testing.T) {
	t.Parallel()

	writer := &mockWriter{}
	writer.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("write failed"))

	err := NewProducerWithWriter(writer).Append(context.Background(), crawler.Record{URL: "https://coinmarketcap.com/"})
	var se *crawler.StorageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, SinkKafka, se.Sink)
}

func TestNewProducerValidates(t *testing.T) {
	t.Parallel()

	_, err := NewProducer(Config{Topic: "records"})
	require.Error(t, err)
	_, err = NewProducer(Config{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)

	prod, err := NewProducer(Config{Brokers: []string{"localhost:9092"}, Topic: "records"})
	require.NoError(t, err)
	require.NoError(t, prod.Close())
}
