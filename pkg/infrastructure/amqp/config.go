package amqp

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type ConnectionConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	// ConnectTimeout bounds the dial retries, one minute when zero.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

type ExchangeConfig struct {
	Name       string     `yaml:"name"`
	Kind       string     `yaml:"kind"`
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"autoDelete"`
	Internal   bool       `yaml:"internal"`
	NoWait     bool       `yaml:"noWait"`
	Args       amqp.Table `yaml:"args"`
}

type QueueConfig struct {
	Name       string     `yaml:"name"`
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"autoDelete"`
	Exclusive  bool       `yaml:"exclusive"`
	NoWait     bool       `yaml:"noWait"`
	Args       amqp.Table `yaml:"args"`
}

type BindConfig struct {
	QueueName    string     `yaml:"queueName"`
	ExchangeName string     `yaml:"exchangeName"`
	RoutingKeys  []string   `yaml:"routingKeys"`
	NoWait       bool       `yaml:"noWait"`
	Args         amqp.Table `yaml:"args"`
}

// FactoryConfig describes the topology every pooled channel declares when it is opened.
type FactoryConfig struct {
	AppID    string          `yaml:"appID"`
	Exchange *ExchangeConfig `yaml:"exchange"`
	Queue    *QueueConfig    `yaml:"queue"`
	Bind     *BindConfig     `yaml:"bind"`
}

func exchangeDeclare(config ExchangeConfig, channel Channel) error {
	return channel.ExchangeDeclare(
		config.Name,
		config.Kind,
		config.Durable,
		config.AutoDelete,
		config.Internal,
		config.NoWait,
		config.Args,
	)
}

func queueDeclare(config QueueConfig, channel Channel) error {
	_, err := channel.QueueDeclare(
		config.Name,
		config.Durable,
		config.AutoDelete,
		config.Exclusive,
		config.NoWait,
		config.Args,
	)
	return err
}

func bindDeclare(config BindConfig, channel Channel) error {
	for _, routingKey := range config.RoutingKeys {
		err := channel.QueueBind(config.QueueName, routingKey, config.ExchangeName, config.NoWait, config.Args)
		if err != nil {
			return err
		}
	}
	return nil
}

func declareTopology(config FactoryConfig, channel Channel) error {
	if config.Exchange != nil {
		if err := exchangeDeclare(*config.Exchange, channel); err != nil {
			return err
		}
	}
	if config.Queue != nil {
		if err := queueDeclare(*config.Queue, channel); err != nil {
			return err
		}
	}
	if config.Bind != nil {
		if err := bindDeclare(*config.Bind, channel); err != nil {
			return err
		}
	}
	return nil
}
